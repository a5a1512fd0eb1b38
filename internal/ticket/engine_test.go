package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talos-agent/talos/pkg/protocol"
)

type toolFunc func(ctx context.Context, params map[string]any) (any, error)

type fakeExecutor struct {
	mu    sync.Mutex
	tools map[string]toolFunc
	calls []string
}

func (f *fakeExecutor) Has(name string) bool {
	_, ok := f.tools[name]
	return ok
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, params map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return f.tools[name](ctx, params)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitResult(t *testing.T, e *Engine, id string) *protocol.TicketResult {
	t.Helper()
	var res *protocol.TicketResult
	require.Eventually(t, func() bool {
		r, err := e.Result(id)
		if err != nil {
			return false
		}
		res = r
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func TestEngine_SubmitAndComplete(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"evaluate_account": func(_ context.Context, params map[string]any) (any, error) {
			return &protocol.EvaluationResult{Score: 64, Explanation: "user " + params["username"].(string)}, nil
		},
	}}
	e := NewEngine(store, exec, WithWorkers(2), WithLogger(quietLogger()))

	tk, err := e.Submit(context.Background(), protocol.TicketCreationRequest{
		Tool:     "evaluate_account",
		ToolArgs: map[string]any{"username": "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketPending, tk.Status)
	assert.Equal(t, tk.CreatedAt, tk.UpdatedAt)
	assert.NotEmpty(t, tk.ID)

	startEngine(t, e)
	res := waitResult(t, e, tk.ID)

	assert.Equal(t, protocol.TicketCompleted, res.Status)
	assert.Empty(t, res.Error)
	payload, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("64"), payload["score"])
	assert.Equal(t, "user bob", payload["explanation"])

	got, err := e.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketCompleted, got.Status)
	assert.True(t, !got.UpdatedAt.Before(got.CreatedAt))
}

func TestEngine_FailedTool(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"get_all_replies": func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("get_all_replies: operation not supported yet")
		},
	}}
	e := NewEngine(store, exec, WithLogger(quietLogger()))
	startEngine(t, e)

	tk, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "get_all_replies", ToolArgs: map[string]any{"tweet_id": "1"}})
	require.NoError(t, err)

	res := waitResult(t, e, tk.ID)
	assert.Equal(t, protocol.TicketFailed, res.Status)
	assert.Nil(t, res.Result)
	assert.Equal(t, "get_all_replies: operation not supported yet", res.Error)
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"post_tweet": func(context.Context, map[string]any) (any, error) { panic("nil client") },
	}}
	e := NewEngine(store, exec, WithLogger(quietLogger()))
	startEngine(t, e)

	tk, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "post_tweet"})
	require.NoError(t, err)

	res := waitResult(t, e, tk.ID)
	assert.Equal(t, protocol.TicketFailed, res.Status)
	assert.Contains(t, res.Error, "panicked")
}

func TestEngine_UnrecordableResultsEndFailed(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"get_follower_count":  func(context.Context, map[string]any) (any, error) { return math.NaN(), nil },
		"get_following_count": func(context.Context, map[string]any) (any, error) { return nil, errors.New("") },
	}}
	e := NewEngine(store, exec, WithLogger(quietLogger()))
	startEngine(t, e)

	nan, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "get_follower_count", ToolArgs: map[string]any{"username": "alice"}})
	require.NoError(t, err)
	blank, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "get_following_count", ToolArgs: map[string]any{"username": "alice"}})
	require.NoError(t, err)

	res := waitResult(t, e, nan.ID)
	assert.Equal(t, protocol.TicketFailed, res.Status)
	assert.Nil(t, res.Result)
	assert.Contains(t, res.Error, "record result")

	res = waitResult(t, e, blank.ID)
	assert.Equal(t, protocol.TicketFailed, res.Status)
	assert.Equal(t, "unknown error", res.Error)
}

func TestEngine_UnknownTool(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(store, &fakeExecutor{tools: map[string]toolFunc{}}, WithLogger(quietLogger()))

	_, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "delete_account"})
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = e.Submit(context.Background(), protocol.TicketCreationRequest{})
	assert.Error(t, err)

	n, err := store.Count(Filter{})
	require.NoError(t, err)
	assert.Zero(t, n, "rejected requests must not create tickets")
}

func TestEngine_CancelPending(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"post_tweet": func(context.Context, map[string]any) (any, error) { return "Tweet posted successfully.", nil },
	}}
	e := NewEngine(store, exec, WithLogger(quietLogger()))

	tk, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "post_tweet", ToolArgs: map[string]any{"tweet": "gm"}})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(tk.ID))

	startEngine(t, e)
	// Queue a second ticket so we know the worker got past the cancelled one.
	next, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "post_tweet", ToolArgs: map[string]any{"tweet": "gn"}})
	require.NoError(t, err)
	waitResult(t, e, next.ID)

	res, err := e.Result(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketCancelled, res.Status)
	assert.Equal(t, 1, exec.callCount(), "cancelled ticket must not run")

	assert.ErrorIs(t, e.Cancel(tk.ID), ErrConflict)
}

func TestEngine_CancelRunning(t *testing.T) {
	store := newTestStore(t)
	started := make(chan struct{})
	sawCancel := make(chan struct{})
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"generate_persona_prompt": func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			close(sawCancel)
			return "too late", nil
		},
	}}
	e := NewEngine(store, exec, WithLogger(quietLogger()))
	startEngine(t, e)

	tk, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "generate_persona_prompt", ToolArgs: map[string]any{"username": "alice"}})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	require.NoError(t, e.Cancel(tk.ID))

	select {
	case <-sawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("tool context was not cancelled")
	}

	res := waitResult(t, e, tk.ID)
	assert.Equal(t, protocol.TicketCancelled, res.Status)
	assert.Nil(t, res.Result, "late result must be discarded")
}

func TestEngine_RecoversAfterRestart(t *testing.T) {
	store := newTestStore(t)
	earlier := time.Now().Add(-time.Minute)

	saveTicket(t, store, "stale", "get_follower_count", earlier)
	require.NoError(t, store.Transition("stale", protocol.TicketPending, protocol.TicketRunning, earlier))
	saveTicket(t, store, "queued", "get_follower_count", earlier)

	exec := &fakeExecutor{tools: map[string]toolFunc{
		"get_follower_count": func(context.Context, map[string]any) (any, error) { return 1234, nil },
	}}
	e := NewEngine(store, exec, WithLogger(quietLogger()))
	startEngine(t, e)

	stale := waitResult(t, e, "stale")
	assert.Equal(t, protocol.TicketFailed, stale.Status)
	assert.Equal(t, "interrupted by restart", stale.Error)

	queued := waitResult(t, e, "queued")
	assert.Equal(t, protocol.TicketCompleted, queued.Status)
	assert.Equal(t, json.Number("1234"), queued.Result)
}

func TestEngine_SubmitCancelledContextWhenQueueFull(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{tools: map[string]toolFunc{
		"post_tweet": func(context.Context, map[string]any) (any, error) { return nil, nil },
	}}
	e := NewEngine(store, exec, WithQueueSize(1), WithLogger(quietLogger()))

	_, err := e.Submit(context.Background(), protocol.TicketCreationRequest{Tool: "post_tweet"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Submit(ctx, protocol.TicketCreationRequest{Tool: "post_tweet"})
	assert.ErrorIs(t, err, context.Canceled)

	cancelled := protocol.TicketCancelled
	n, err := store.Count(Filter{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
