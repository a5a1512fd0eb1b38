package protocol

import (
	"fmt"
	"time"
)

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending   TicketStatus = "PENDING"
	TicketRunning   TicketStatus = "RUNNING"
	TicketCompleted TicketStatus = "COMPLETED"
	TicketFailed    TicketStatus = "FAILED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketRunning, TicketCompleted, TicketFailed, TicketCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can occur from s.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketCompleted || s == TicketFailed || s == TicketCancelled
}

// transitions lists the legal successor states of each non-terminal state.
var transitions = map[TicketStatus][]TicketStatus{
	TicketPending: {TicketRunning, TicketCancelled},
	TicketRunning: {TicketCompleted, TicketFailed, TicketCancelled},
}

// CanTransition reports whether a ticket may move from one status to another.
func CanTransition(from, to TicketStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which to can be reached.
func Predecessors(to TicketStatus) []TicketStatus {
	var out []TicketStatus
	for _, from := range []TicketStatus{TicketPending, TicketRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// TicketCreationRequest asks for a tool to be run asynchronously.
type TicketCreationRequest struct {
	Tool     string         `json:"tool"`
	ToolArgs map[string]any `json:"tool_args"`
}

// Validate checks the request shape. Whether Tool names a known operation is
// decided by whoever executes the ticket.
func (r TicketCreationRequest) Validate() error {
	if r.Tool == "" {
		return fmt.Errorf("ticket request: tool is required")
	}
	return nil
}

// Ticket is one submitted long-running tool invocation.
type Ticket struct {
	ID        string                `json:"ticket_id"`
	Status    TicketStatus          `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Request   TicketCreationRequest `json:"request"`
}

// NewTicket returns a PENDING ticket for req. The args map is copied so later
// changes by the caller do not leak into the ticket.
func NewTicket(id string, req TicketCreationRequest, now time.Time) *Ticket {
	args := make(map[string]any, len(req.ToolArgs))
	for k, v := range req.ToolArgs {
		args[k] = v
	}
	now = now.UTC()
	return &Ticket{
		ID:        id,
		Status:    TicketPending,
		CreatedAt: now,
		UpdatedAt: now,
		Request:   TicketCreationRequest{Tool: req.Tool, ToolArgs: args},
	}
}

// TicketResult is the outcome of a ticket in a terminal state.
type TicketResult struct {
	TicketID string       `json:"ticket_id"`
	Status   TicketStatus `json:"status"`
	Result   any          `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Completed builds the result of a successful run.
func Completed(ticketID string, result any) *TicketResult {
	return &TicketResult{TicketID: ticketID, Status: TicketCompleted, Result: result}
}

// Failed builds the result of a run that returned an error.
func Failed(ticketID string, err error) *TicketResult {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &TicketResult{TicketID: ticketID, Status: TicketFailed, Error: msg}
}

// Cancelled builds the result of a cancelled ticket.
func Cancelled(ticketID string) *TicketResult {
	return &TicketResult{TicketID: ticketID, Status: TicketCancelled}
}

// Validate enforces that the status is terminal and that Result and Error
// only appear on COMPLETED and FAILED results respectively.
func (r *TicketResult) Validate() error {
	if r.TicketID == "" {
		return fmt.Errorf("ticket result: ticket_id is required")
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("ticket result %s: status %q is not terminal", r.TicketID, r.Status)
	}
	if r.Result != nil && r.Status != TicketCompleted {
		return fmt.Errorf("ticket result %s: result set on %s ticket", r.TicketID, r.Status)
	}
	if r.Error != "" && r.Status != TicketFailed {
		return fmt.Errorf("ticket result %s: error set on %s ticket", r.TicketID, r.Status)
	}
	if r.Status == TicketFailed && r.Error == "" {
		return fmt.Errorf("ticket result %s: failed ticket needs an error message", r.TicketID)
	}
	return nil
}
