package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/talos-agent/talos/internal/logbuf"
	"github.com/talos-agent/talos/internal/ticket"
	"github.com/talos-agent/talos/internal/tool"
	"github.com/talos-agent/talos/internal/twitter"
	"github.com/talos-agent/talos/pkg/protocol"
)

// mockTickets implements TicketService for testing.
type mockTickets struct {
	tickets   map[string]*protocol.Ticket
	results   map[string]*protocol.TicketResult
	submitted []protocol.TicketCreationRequest
	lastList  ticket.Filter
}

func newMockTickets() *mockTickets {
	return &mockTickets{
		tickets: make(map[string]*protocol.Ticket),
		results: make(map[string]*protocol.TicketResult),
	}
}

func (m *mockTickets) Submit(_ context.Context, req protocol.TicketCreationRequest) (*protocol.Ticket, error) {
	if req.Tool == "delete_account" {
		return nil, fmt.Errorf("submit: %w: %q", ticket.ErrUnknownTool, req.Tool)
	}
	m.submitted = append(m.submitted, req)
	t := protocol.NewTicket(fmt.Sprintf("t%d", len(m.submitted)), req, time.Now())
	m.tickets[t.ID] = t
	return t, nil
}

func (m *mockTickets) Get(id string) (*protocol.Ticket, error) {
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %q: %w", id, ticket.ErrNotFound)
	}
	return t, nil
}

func (m *mockTickets) Result(id string) (*protocol.TicketResult, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	r, ok := m.results[id]
	if !ok {
		return nil, fmt.Errorf("ticket %q is %s: %w", id, t.Status, ticket.ErrNotFinished)
	}
	return r, nil
}

func (m *mockTickets) List(f ticket.Filter) ([]*protocol.Ticket, error) {
	m.lastList = f
	var out []*protocol.Ticket
	for _, t := range m.tickets {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockTickets) Count(f ticket.Filter) (int, error) {
	out, _ := m.List(f)
	return len(out), nil
}

func (m *mockTickets) Cancel(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("ticket %q is %s: %w", id, t.Status, ticket.ErrConflict)
	}
	t.Status = protocol.TicketCancelled
	m.results[id] = protocol.Cancelled(id)
	return nil
}

// stubTool returns a fixed value or error.
type stubTool struct {
	name   string
	result any
	err    error
	params map[string]any
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub " + s.name }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Execute(_ context.Context, params map[string]any) (any, error) {
	s.params = params
	return s.result, s.err
}

func newTestRegistry(tools ...*stubTool) *tool.Registry {
	reg := tool.NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return reg
}

func newTestServer(tickets TicketService, tools ToolService, key string) *Server {
	return NewServer(tickets, tools, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "")
	w := do(t, srv, "GET", "/api/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListTools(t *testing.T) {
	reg := newTestRegistry(&stubTool{name: "post_tweet"}, &stubTool{name: "get_follower_count"})
	srv := newTestServer(newMockTickets(), reg, "")
	w := do(t, srv, "GET", "/api/tools", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var defs []protocol.ToolDefinition
	json.NewDecoder(w.Body).Decode(&defs)
	if len(defs) != 2 {
		t.Fatalf("got %d tools", len(defs))
	}
	if defs[0].Function.Name != "get_follower_count" {
		t.Errorf("expected sorted definitions, got %q first", defs[0].Function.Name)
	}
}

func TestInvokeTool(t *testing.T) {
	count := &stubTool{name: "get_follower_count", result: 1234}
	srv := newTestServer(newMockTickets(), newTestRegistry(count), "")
	w := do(t, srv, "POST", "/api/tools/get_follower_count", `{"arguments":{"username":"alice"}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var res protocol.ToolCallResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Tool != "get_follower_count" || res.Result != float64(1234) {
		t.Errorf("result = %+v", res)
	}
	if count.params["username"] != "alice" {
		t.Errorf("params = %v", count.params)
	}
}

func TestInvokeTool_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get_all_replies: %w", twitter.ErrUnimplemented), http.StatusNotImplemented},
		{&twitter.OperationError{Op: "post_tweet", Arg: "tweet", Err: twitter.ErrInvalidArgument}, http.StatusBadRequest},
		{&twitter.OperationError{Op: "nope", Err: twitter.ErrUnknownOperation}, http.StatusBadRequest},
		{fmt.Errorf("evaluate_account: %w", twitter.ErrMissingCollaborator), http.StatusServiceUnavailable},
		{fmt.Errorf("gateway: post tweet: status 429"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		reg := newTestRegistry(&stubTool{name: "op", err: tt.err})
		srv := newTestServer(newMockTickets(), reg, "")
		w := do(t, srv, "POST", "/api/tools/op", `{"arguments":{}}`)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestInvokeTool_NotFound(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "")
	w := do(t, srv, "POST", "/api/tools/delete_account", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSubmitTicket(t *testing.T) {
	tickets := newMockTickets()
	srv := newTestServer(tickets, newTestRegistry(), "")
	w := do(t, srv, "POST", "/api/tickets", `{"tool":"evaluate_account","tool_args":{"username":"bob"}}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var got protocol.Ticket
	json.NewDecoder(w.Body).Decode(&got)
	if got.Status != protocol.TicketPending {
		t.Errorf("status = %s", got.Status)
	}
	if got.Request.ToolArgs["username"] != "bob" {
		t.Errorf("args = %v", got.Request.ToolArgs)
	}
	if len(tickets.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(tickets.submitted))
	}
}

func TestSubmitTicket_BadRequests(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "")

	for _, body := range []string{`not json`, `{"tool_args":{}}`, `{"tool":"delete_account"}`} {
		w := do(t, srv, "POST", "/api/tickets", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestListTickets(t *testing.T) {
	tickets := newMockTickets()
	srv := newTestServer(tickets, newTestRegistry(), "")
	do(t, srv, "POST", "/api/tickets", `{"tool":"post_tweet","tool_args":{"tweet":"gm"}}`)
	do(t, srv, "POST", "/api/tickets", `{"tool":"post_tweet","tool_args":{"tweet":"gn"}}`)

	w := do(t, srv, "GET", "/api/tickets?status=pending&tool=post_tweet&limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body ticketList
	json.NewDecoder(w.Body).Decode(&body)
	if body.Total != 2 {
		t.Errorf("total = %d", body.Total)
	}
	if tickets.lastList.Limit != 1 || tickets.lastList.Tool != "post_tweet" {
		t.Errorf("filter = %+v", tickets.lastList)
	}

	w = do(t, srv, "GET", "/api/tickets?status=paused", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown status: code = %d, want 400", w.Code)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "")

	for _, path := range []string{"/api/tickets/nope", "/api/tickets/nope/result"} {
		if w := do(t, srv, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
	if w := do(t, srv, "POST", "/api/tickets/nope/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel: status = %d, want 404", w.Code)
	}
}

func TestTicketResultAndCancel(t *testing.T) {
	tickets := newMockTickets()
	srv := newTestServer(tickets, newTestRegistry(), "")
	do(t, srv, "POST", "/api/tickets", `{"tool":"post_tweet","tool_args":{"tweet":"gm"}}`)

	if w := do(t, srv, "GET", "/api/tickets/t1", ""); w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/tickets/t1/result", ""); w.Code != http.StatusConflict {
		t.Errorf("unfinished result: status = %d, want 409", w.Code)
	}

	if w := do(t, srv, "POST", "/api/tickets/t1/cancel", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d", w.Code)
	}
	w := do(t, srv, "GET", "/api/tickets/t1/result", "")
	if w.Code != http.StatusOK {
		t.Fatalf("result: status = %d", w.Code)
	}
	var res protocol.TicketResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Status != protocol.TicketCancelled {
		t.Errorf("result status = %s", res.Status)
	}

	if w := do(t, srv, "POST", "/api/tickets/t1/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", w.Code)
	}
}

func TestGetLogs(t *testing.T) {
	buf := logbuf.New(10)
	logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(discard{}, nil), buf))
	logger.Info("ticket submitted", "ticket", "t1", "tool", "post_tweet")
	logger.Debug("skipping ticket", "ticket", "t2")
	logger.Warn("ticket failed", "ticket", "t1", "error", "rate limited")

	srv := NewServer(newMockTickets(), newTestRegistry(), Config{}, nil, buf)

	w := do(t, srv, "GET", "/api/logs?ticket=t1", "")
	var entries []logbuf.Entry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for t1, got %d", len(entries))
	}

	w = do(t, srv, "GET", "/api/logs?level=warn", "")
	entries = nil
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].Message != "ticket failed" {
		t.Errorf("unexpected warn entries: %+v", entries)
	}
}

func TestAuth_Required(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "secret-key")

	req := httptest.NewRequest("GET", "/api/tickets", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/tickets", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/tickets", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", w.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "secret-key")
	if w := do(t, srv, "GET", "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should not require auth, status = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(newMockTickets(), newTestRegistry(), "")
	w := do(t, srv, "OPTIONS", "/api/tickets", "")

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
