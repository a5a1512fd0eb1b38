package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talos-agent/talos/internal/logbuf"
	"github.com/talos-agent/talos/internal/ticket"
	"github.com/talos-agent/talos/internal/twitter"
	"github.com/talos-agent/talos/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// TicketService is what the API needs from the ticket engine.
type TicketService interface {
	Submit(ctx context.Context, req protocol.TicketCreationRequest) (*protocol.Ticket, error)
	Get(id string) (*protocol.Ticket, error)
	Result(id string) (*protocol.TicketResult, error)
	List(filter ticket.Filter) ([]*protocol.Ticket, error)
	Count(filter ticket.Filter) (int, error)
	Cancel(id string) error
}

// ToolService is what the API needs from the tool registry.
type ToolService interface {
	Has(name string) bool
	Definitions() []protocol.ToolDefinition
	Execute(ctx context.Context, name string, params map[string]any) (any, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the talos REST API server.
type Server struct {
	tickets TicketService
	tools   ToolService
	cfg     Config
	logger  *slog.Logger
	logs    LogQuerier
	srv     *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(tickets TicketService, tools ToolService, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tickets: tickets,
		tools:   tools,
		cfg:     cfg,
		logger:  logger,
		logs:    logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tools", s.requireAuth(s.handleListTools))
	mux.HandleFunc("POST /api/tools/{name}", s.requireAuth(s.handleInvokeTool))
	mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleSubmitTicket))
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("GET /api/tickets/{id}/result", s.requireAuth(s.handleGetResult))
	mux.HandleFunc("POST /api/tickets/{id}/cancel", s.requireAuth(s.handleCancelTicket))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tools.Definitions())
}

// handleInvokeTool runs a tool synchronously and returns its result.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.tools.Has(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("tool %q not found", name))
		return
	}

	var call protocol.ToolCall
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &call); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
			return
		}
	}

	result, err := s.tools.Execute(r.Context(), name, call.Arguments)
	if err != nil {
		s.logger.Warn("tool invocation failed", "tool", name, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ToolCallResult{Tool: name, Result: result})
}

func (s *Server) handleSubmitTicket(w http.ResponseWriter, r *http.Request) {
	var req protocol.TicketCreationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	t, err := s.tickets.Submit(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

type ticketList struct {
	Tickets []*protocol.Ticket `json:"tickets"`
	Total   int                `json:"total"`
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := ticket.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := protocol.TicketStatus(strings.ToUpper(status))
		if !ts.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
			return
		}
		filter.Status = &ts
	}
	filter.Tool = r.URL.Query().Get("tool")

	total, err := s.tickets.Count(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	tickets, err := s.tickets.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, ticketList{Tickets: tickets, Total: total})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.tickets.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.tickets.Result(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tickets.Cancel(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(protocol.TicketCancelled), "ticket_id": id})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		MinLevel: slog.LevelDebug,
		Ticket:   q.Get("ticket"),
		Tool:     q.Get("tool"),
		Limit:    200,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// statusFor maps domain errors to HTTP status codes. Anything unrecognised
// is treated as a failure of an upstream collaborator.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ticket.ErrConflict), errors.Is(err, ticket.ErrNotFinished):
		return http.StatusConflict
	case errors.Is(err, ticket.ErrUnknownTool),
		errors.Is(err, twitter.ErrUnknownOperation),
		errors.Is(err, twitter.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, twitter.ErrUnimplemented):
		return http.StatusNotImplemented
	case errors.Is(err, twitter.ErrMissingCollaborator):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// decodeJSON keeps numbers as json.Number so long tweet IDs are not rounded.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
