package ticket

import (
	"errors"
	"time"

	"github.com/talos-agent/talos/pkg/protocol"
)

var (
	// ErrNotFound is returned when no ticket has the requested ID.
	ErrNotFound = errors.New("ticket not found")
	// ErrConflict is returned when a transition is illegal or the ticket is no
	// longer in the expected state.
	ErrConflict = errors.New("ticket state conflict")
	// ErrNotFinished is returned when a result is requested before the ticket
	// reached a terminal state.
	ErrNotFinished = errors.New("ticket not finished")
)

// Store is the persistence interface for tickets and their results.
type Store interface {
	// Save inserts a new ticket.
	Save(t *protocol.Ticket) error
	// Get retrieves a ticket by ID.
	Get(id string) (*protocol.Ticket, error)
	// List returns tickets matching the filter, newest first.
	List(filter Filter) ([]*protocol.Ticket, error)
	// Count returns the number of tickets matching the filter.
	Count(filter Filter) (int, error)
	// Transition moves a non-terminal ticket from one status to another. It
	// fails with ErrConflict unless the ticket is currently in from.
	Transition(id string, from, to protocol.TicketStatus, at time.Time) error
	// Finish records a terminal result. Only one Finish per ticket succeeds.
	Finish(result *protocol.TicketResult, at time.Time) error
	// Result returns the terminal result of a ticket.
	Result(id string) (*protocol.TicketResult, error)
	// Prune deletes terminal tickets last updated before the cutoff.
	Prune(before time.Time) (int, error)
}

// Filter constrains ticket list queries.
type Filter struct {
	Status *protocol.TicketStatus
	Tool   string // exact match on request tool
	Limit  int    // 0 = no limit
}
