package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"openclaw/internal/domain"
	"openclaw/internal/usecase/skill"
)

type fakeTracker struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (f *fakeTracker) Acquire(context.Context) {
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
}

func (f *fakeTracker) Release(context.Context) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

type allowAll struct{}

func (allowAll) IsAllowed(string, string, string) bool { return true }

type denyAll struct{}

func (denyAll) IsAllowed(string, string, string) bool { return false }

type captureAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (c *captureAudit) Log(_ context.Context, ev domain.AuditEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureAudit) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEchoExecutor(t *testing.T) *skill.Executor {
	t.Helper()
	reg := skill.NewRegistry(discardLogger())
	err := reg.Register(domain.SkillSpec{
		Name:        "echo",
		Description: "returns its input",
		Handler: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return skill.NewExecutor(reg, nil, discardLogger())
}

func newRequest(id string) domain.ServiceRequest {
	return domain.ServiceRequest{
		RequestID:     id,
		RequesterID:   "peer",
		TargetAgentID: "self",
		SkillName:     "echo",
		Input:         json.RawMessage(`{"text":"hi"}`),
		Priority:      domain.PriorityNormal,
		Timeout:       time.Second,
		CreatedAt:     time.Now(),
	}
}

func TestHandlerServesRequest(t *testing.T) {
	tracker := &fakeTracker{}
	h := New("self", Config{}, newEchoExecutor(t), allowAll{}, tracker, nil, nil, discardLogger())

	resp := h.Handle(context.Background(), newRequest("req-1"))
	if resp.Status != domain.StatusSuccess {
		t.Fatalf("status = %q, error = %q", resp.Status, resp.Error)
	}
	if string(resp.Output) != `{"text":"hi"}` {
		t.Fatalf("output = %s", resp.Output)
	}
	if resp.RequestID != "req-1" || resp.RequesterID != "peer" || resp.TargetAgentID != "self" {
		t.Fatalf("response addressing = %+v", resp)
	}
	if tracker.acquired != 1 || tracker.released != 1 {
		t.Fatalf("tracker = %+v", tracker)
	}
}

func TestHandlerRejectsWrongTarget(t *testing.T) {
	h := New("self", Config{}, newEchoExecutor(t), allowAll{}, nil, nil, nil, discardLogger())

	req := newRequest("req-1")
	req.TargetAgentID = "someone-else"
	resp := h.Handle(context.Background(), req)
	if resp.Status != domain.StatusFailure {
		t.Fatalf("status = %q, want failure", resp.Status)
	}
	if resp.Error == "" {
		t.Fatal("rejection must carry an error")
	}
}

func TestHandlerRejectsMissingFields(t *testing.T) {
	h := New("self", Config{}, newEchoExecutor(t), allowAll{}, nil, nil, nil, discardLogger())

	for _, tc := range []struct {
		name   string
		mutate func(*domain.ServiceRequest)
	}{
		{"no request id", func(r *domain.ServiceRequest) { r.RequestID = "" }},
		{"no requester", func(r *domain.ServiceRequest) { r.RequesterID = "" }},
		{"no skill", func(r *domain.ServiceRequest) { r.SkillName = "" }},
	} {
		req := newRequest("req-x")
		tc.mutate(&req)
		resp := h.Handle(context.Background(), req)
		if resp.Status != domain.StatusFailure {
			t.Errorf("%s: status = %q, want failure", tc.name, resp.Status)
		}
	}
}

func TestHandlerDeniesUnauthorized(t *testing.T) {
	audit := &captureAudit{}
	h := New("self", Config{}, newEchoExecutor(t), denyAll{}, nil, audit, nil, discardLogger())

	resp := h.Handle(context.Background(), newRequest("req-1"))
	if resp.Status != domain.StatusFailure {
		t.Fatalf("status = %q, want failure", resp.Status)
	}
	if !strings.Contains(resp.Error, "not allowed") {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(audit.events) != 1 || audit.events[0].Type != domain.AuditAccessDenied {
		t.Fatalf("audit events = %+v", audit.events)
	}
}

func TestHandlerDeduplicatesRequestIDs(t *testing.T) {
	h := New("self", Config{}, newEchoExecutor(t), allowAll{}, nil, nil, nil, discardLogger())

	first := h.Handle(context.Background(), newRequest("req-1"))
	if first.Status != domain.StatusSuccess {
		t.Fatalf("first status = %q", first.Status)
	}
	second := h.Handle(context.Background(), newRequest("req-1"))
	if second.Status != domain.StatusFailure {
		t.Fatalf("replay status = %q, want failure", second.Status)
	}
	if !strings.Contains(second.Error, "already served") {
		t.Fatalf("replay error = %q", second.Error)
	}
}

func TestHandlerDeduplicatesConcurrentDeliveries(t *testing.T) {
	var executions atomic.Int32
	reg := skill.NewRegistry(discardLogger())
	if err := reg.Register(domain.SkillSpec{
		Name: "echo",
		Handler: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			executions.Add(1)
			return input, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := skill.NewExecutor(reg, nil, discardLogger())
	cfg := Config{RequesterRate: rate.Limit(1000), RequesterBurst: 1000}
	h := New("self", cfg, exec, allowAll{}, nil, nil, nil, discardLogger())

	const deliveries = 32
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Handle(context.Background(), newRequest("req-1"))
			if resp.Status == domain.StatusSuccess {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Fatalf("skill ran %d times, want 1", got)
	}
	if got := successes.Load(); got != 1 {
		t.Fatalf("%d success responses, want 1", got)
	}
}

func TestHandlerRateLimitsRequester(t *testing.T) {
	cfg := Config{RequesterRate: rate.Limit(0.001), RequesterBurst: 2}
	h := New("self", cfg, newEchoExecutor(t), allowAll{}, nil, nil, nil, discardLogger())

	for i := 0; i < 2; i++ {
		resp := h.Handle(context.Background(), newRequest("req-"+string(rune('a'+i))))
		if resp.Status != domain.StatusSuccess {
			t.Fatalf("request %d status = %q, error = %q", i, resp.Status, resp.Error)
		}
	}
	resp := h.Handle(context.Background(), newRequest("req-z"))
	if resp.Status != domain.StatusFailure {
		t.Fatalf("over-limit status = %q, want failure", resp.Status)
	}
	if !strings.Contains(resp.Error, "rate") {
		t.Fatalf("over-limit error = %q", resp.Error)
	}
}

func TestHandlerExecutionFailureIsStructured(t *testing.T) {
	reg := skill.NewRegistry(discardLogger())
	if err := reg.Register(domain.SkillSpec{
		Name: "flaky",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, domain.NewSubSystemError("skill", "flaky", domain.ErrInternal, "backend down")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := skill.NewExecutor(reg, nil, discardLogger())
	h := New("self", Config{}, exec, allowAll{}, nil, nil, nil, discardLogger())

	req := newRequest("req-1")
	req.SkillName = "flaky"
	resp := h.Handle(context.Background(), req)
	if resp.Status != domain.StatusFailure {
		t.Fatalf("status = %q, want failure", resp.Status)
	}
	if resp.Error == "" {
		t.Fatal("failure must carry error text")
	}
}
