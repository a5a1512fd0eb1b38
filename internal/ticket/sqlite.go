package ticket

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talos-agent/talos/pkg/protocol"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: open %s: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id         TEXT PRIMARY KEY,
			tool       TEXT NOT NULL,
			tool_args  TEXT NOT NULL DEFAULT '{}',
			status     TEXT NOT NULL DEFAULT 'PENDING',
			result     TEXT,
			error      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_tool ON tickets(tool);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(t *protocol.Ticket) error {
	args, err := json.Marshal(t.Request.ToolArgs)
	if err != nil {
		return fmt.Errorf("ticket store: save: encode tool_args: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tickets (id, tool, tool_args, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Request.Tool, string(args), string(t.Status),
		t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, tool, tool_args, status, created_at, updated_at FROM tickets WHERE id = ?`, id)

	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*protocol.Ticket, error) {
	where, args := filter.where()
	query := "SELECT id, tool, tool_args, status, created_at, updated_at FROM tickets" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	where, args := filter.where()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tickets"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Transition(id string, from, to protocol.TicketStatus, at time.Time) error {
	if to.IsTerminal() {
		return fmt.Errorf("ticket %q: %w: %s is terminal, use Finish", id, ErrConflict, to)
	}
	if !protocol.CanTransition(from, to) {
		return fmt.Errorf("ticket %q: %w: %s -> %s", id, ErrConflict, from, to)
	}
	result, err := s.db.Exec(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC().Format(timeLayout), id, string(from))
	if err != nil {
		return fmt.Errorf("ticket store: transition: %w", err)
	}
	return s.checkAffected(result, id, fmt.Sprintf("not %s", from))
}

func (s *SQLiteStore) Finish(r *protocol.TicketResult, at time.Time) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("ticket store: finish: %w", err)
	}

	var payload *string
	if r.Result != nil {
		data, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Errorf("ticket store: finish: encode result: %w", err)
		}
		v := string(data)
		payload = &v
	}

	from := protocol.Predecessors(r.Status)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(r.Status), payload, r.Error, at.UTC().Format(timeLayout), r.TicketID}
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.db.Exec(`UPDATE tickets SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("ticket store: finish: %w", err)
	}
	return s.checkAffected(result, r.TicketID, "already finished or not running")
}

func (s *SQLiteStore) Result(id string) (*protocol.TicketResult, error) {
	var status, errMsg string
	var payload *string
	err := s.db.QueryRow(`SELECT status, result, error FROM tickets WHERE id = ?`, id).Scan(&status, &payload, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: result: %w", err)
	}

	st := protocol.TicketStatus(status)
	if !st.IsTerminal() {
		return nil, fmt.Errorf("ticket %q is %s: %w", id, st, ErrNotFinished)
	}
	r := &protocol.TicketResult{TicketID: id, Status: st, Error: errMsg}
	if payload != nil {
		dec := json.NewDecoder(strings.NewReader(*payload))
		dec.UseNumber()
		if err := dec.Decode(&r.Result); err != nil {
			return nil, fmt.Errorf("ticket store: result: decode: %w", err)
		}
	}
	return r, nil
}

func (s *SQLiteStore) Prune(before time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM tickets WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(protocol.TicketCompleted), string(protocol.TicketFailed), string(protocol.TicketCancelled),
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("ticket store: prune: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

// checkAffected turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (s *SQLiteStore) checkAffected(result sql.Result, id, reason string) error {
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("ticket store: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return fmt.Errorf("ticket %q: %w: %s", id, ErrConflict, reason)
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, f.Tool)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var argsJSON, status, createdAt, updatedAt string

	if err := s.Scan(&t.ID, &t.Request.Tool, &argsJSON, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Status = protocol.TicketStatus(status)
	// Numbers stay json.Number so tweet IDs beyond 2^53 round-trip intact.
	dec := json.NewDecoder(strings.NewReader(argsJSON))
	dec.UseNumber()
	if err := dec.Decode(&t.Request.ToolArgs); err != nil {
		return nil, fmt.Errorf("decode tool_args: %w", err)
	}
	if t.Request.ToolArgs == nil {
		t.Request.ToolArgs = map[string]any{}
	}
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	t.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &t, nil
}
