package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talos-agent/talos/pkg/protocol"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 128
)

// ErrUnknownTool is returned by Submit when the request names a tool the
// executor does not have.
var ErrUnknownTool = errors.New("unknown tool")

// Executor runs named tools. *tool.Registry satisfies it.
type Executor interface {
	Has(name string) bool
	Execute(ctx context.Context, name string, params map[string]any) (any, error)
}

// Engine accepts ticket submissions and runs them on a fixed worker pool.
type Engine struct {
	store   Store
	exec    Executor
	workers int
	queue   chan string
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets how many submitted tickets may wait for a worker.
func WithQueueSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.queue = make(chan string, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over store that runs tools from exec.
func NewEngine(store Store, exec Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		exec:    exec,
		workers: defaultWorkers,
		queue:   make(chan string, defaultQueueSize),
		logger:  slog.Default(),
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates a PENDING ticket for req and queues it. It blocks while the
// queue is full; if ctx ends first the ticket is cancelled.
func (e *Engine) Submit(ctx context.Context, req protocol.TicketCreationRequest) (*protocol.Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !e.exec.Has(req.Tool) {
		return nil, fmt.Errorf("submit: %w: %q", ErrUnknownTool, req.Tool)
	}

	t := protocol.NewTicket(uuid.NewString(), req, e.now())
	if err := e.store.Save(t); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	select {
	case e.queue <- t.ID:
	case <-ctx.Done():
		if err := e.store.Finish(protocol.Cancelled(t.ID), e.now()); err != nil {
			e.logger.Error("failed to cancel unqueued ticket", "ticket", t.ID, "error", err)
		}
		return nil, fmt.Errorf("submit: %w", ctx.Err())
	}

	e.logger.Info("ticket submitted", "ticket", t.ID, "tool", req.Tool)
	return t, nil
}

// Get returns the current state of a ticket.
func (e *Engine) Get(id string) (*protocol.Ticket, error) {
	return e.store.Get(id)
}

// Result returns the terminal result of a ticket, or ErrNotFinished.
func (e *Engine) Result(id string) (*protocol.TicketResult, error) {
	return e.store.Result(id)
}

// List returns tickets matching filter.
func (e *Engine) List(filter Filter) ([]*protocol.Ticket, error) {
	return e.store.List(filter)
}

// Count returns the number of tickets matching filter.
func (e *Engine) Count(filter Filter) (int, error) {
	return e.store.Count(filter)
}

// Cancel cancels a pending or running ticket. A running tool sees its
// context cancelled; whatever it returns afterwards is discarded.
func (e *Engine) Cancel(id string) error {
	t, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("ticket %q is %s: %w", id, t.Status, ErrConflict)
	}
	if err := e.store.Finish(protocol.Cancelled(id), e.now()); err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.logger.Info("ticket cancelled", "ticket", id, "was", t.Status)
	return nil
}

// Start recovers tickets left over from a previous run and processes the
// queue until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.recoverTickets()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx)
		}()
	}
	e.logger.Info("ticket engine started", "workers", e.workers, "recovered", len(pending))

	go func() {
		for _, id := range pending {
			select {
			case e.queue <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	e.logger.Info("ticket engine stopped")
	return ctx.Err()
}

// recoverTickets fails tickets that were RUNNING when the process stopped and
// returns the IDs of tickets still PENDING, oldest first.
func (e *Engine) recoverTickets() ([]string, error) {
	running := protocol.TicketRunning
	stale, err := e.store.List(Filter{Status: &running})
	if err != nil {
		return nil, fmt.Errorf("ticket engine: recover: %w", err)
	}
	for _, t := range stale {
		if err := e.store.Finish(protocol.Failed(t.ID, errors.New("interrupted by restart")), e.now()); err != nil {
			e.logger.Warn("failed to fail interrupted ticket", "ticket", t.ID, "error", err)
		}
	}

	pendingStatus := protocol.TicketPending
	pending, err := e.store.List(Filter{Status: &pendingStatus})
	if err != nil {
		return nil, fmt.Errorf("ticket engine: recover: %w", err)
	}
	ids := make([]string, 0, len(pending))
	for i := len(pending) - 1; i >= 0; i-- {
		ids = append(ids, pending[i].ID)
	}
	return ids, nil
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case id := <-e.queue:
			e.run(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) run(ctx context.Context, id string) {
	t, err := e.store.Get(id)
	if err != nil {
		e.logger.Error("failed to load ticket", "ticket", id, "error", err)
		return
	}
	if t.Status != protocol.TicketPending {
		e.logger.Debug("skipping ticket", "ticket", id, "status", t.Status)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		cancel()
	}()

	if err := e.store.Transition(id, protocol.TicketPending, protocol.TicketRunning, e.now()); err != nil {
		e.logger.Debug("ticket not started", "ticket", id, "error", err)
		return
	}
	e.logger.Info("ticket running", "ticket", id, "tool", t.Request.Tool)

	start := time.Now()
	value, err := e.execute(runCtx, t)

	result := protocol.Completed(id, value)
	if err != nil {
		result = protocol.Failed(id, err)
	}
	if ferr := e.store.Finish(result, e.now()); ferr != nil {
		if errors.Is(ferr, ErrConflict) {
			e.logger.Info("ticket finished elsewhere, result discarded", "ticket", id)
			return
		}
		// The result itself could not be stored; a RUNNING ticket must still end.
		e.logger.Warn("failed to record ticket result, marking failed", "ticket", id, "error", ferr)
		err = fmt.Errorf("record result: %w", ferr)
		result = protocol.Failed(id, err)
		if ferr := e.store.Finish(result, e.now()); ferr != nil && !errors.Is(ferr, ErrConflict) {
			e.logger.Error("failed to record ticket failure", "ticket", id, "error", ferr)
			return
		}
	}

	attrs := []any{"ticket", id, "tool", t.Request.Tool, "status", result.Status, "duration", time.Since(start)}
	if err != nil {
		e.logger.Warn("ticket failed", append(attrs, "error", err)...)
		return
	}
	e.logger.Info("ticket completed", attrs...)
}

// execute runs the ticket's tool, turning a panic into an error.
func (e *Engine) execute(ctx context.Context, t *protocol.Ticket) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", t.Request.Tool, r)
		}
	}()
	return e.exec.Execute(ctx, t.Request.Tool, t.Request.ToolArgs)
}
