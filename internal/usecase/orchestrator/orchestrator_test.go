package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"openclaw/internal/domain"
)

type scriptedBroker struct {
	mu    sync.Mutex
	calls []string // "target/skill"
	// respond decides the outcome for each call, keyed by skill name.
	respond func(target, skill string, input json.RawMessage) (*domain.ServiceResponse, error)
}

func (b *scriptedBroker) Send(_ context.Context, target, skill string, input json.RawMessage, _ domain.Priority, _ time.Duration) (*domain.ServiceResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, target+"/"+skill)
	b.mu.Unlock()
	return b.respond(target, skill, input)
}

func (b *scriptedBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type staticDirectory struct {
	records []domain.CapabilityRecord
}

func (d *staticDirectory) Lookup(domain.CapabilityFilter) []domain.CapabilityRecord {
	return d.records
}

type captureEscalator struct {
	mu   sync.Mutex
	escs []domain.Escalation
}

func (c *captureEscalator) Escalate(_ context.Context, esc domain.Escalation) error {
	c.mu.Lock()
	c.escs = append(c.escs, esc)
	c.mu.Unlock()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: attempts,
	}
}

func success(output string) *domain.ServiceResponse {
	return &domain.ServiceResponse{Status: domain.StatusSuccess, Output: json.RawMessage(output)}
}

func TestOrchestratorChainFeedsOutputForward(t *testing.T) {
	broker := &scriptedBroker{}
	broker.respond = func(target, skill string, input json.RawMessage) (*domain.ServiceResponse, error) {
		switch skill {
		case "research":
			return success(`{"facts":["a"]}`), nil
		case "write":
			if string(input) != `{"facts":["a"]}` {
				t.Errorf("write input = %s, want research output", input)
			}
			return success(`{"draft":"text"}`), nil
		default:
			t.Fatalf("unexpected skill %q", skill)
			return nil, nil
		}
	}
	o := New("orch", fastPolicy(3), broker, nil, NewMemoryStore(), nil, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "publish-article",
		Pattern: domain.PatternChain,
		Steps: []domain.WorkflowStep{
			{Name: "gather", TargetAgentID: "researcher", SkillName: "research"},
			{Name: "draft", TargetAgentID: "writer", SkillName: "write"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.WorkflowCompleted {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	if len(run.Branches) != 2 || run.Branches[1].Status != domain.StatusSuccess {
		t.Fatalf("branches = %+v", run.Branches)
	}
}

func TestOrchestratorChainHaltsAndEscalatesOnFailure(t *testing.T) {
	broker := &scriptedBroker{}
	broker.respond = func(_, skill string, _ json.RawMessage) (*domain.ServiceResponse, error) {
		if skill == "research" {
			return &domain.ServiceResponse{Status: domain.StatusFailure, Error: "schema rejected"}, nil
		}
		t.Fatalf("chain dispatched %q after a failed step", skill)
		return nil, nil
	}
	esc := &captureEscalator{}
	o := New("orch", fastPolicy(3), broker, nil, NewMemoryStore(), esc, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "publish-article",
		Pattern: domain.PatternChain,
		Steps: []domain.WorkflowStep{
			{Name: "gather", TargetAgentID: "researcher", SkillName: "research"},
			{Name: "draft", TargetAgentID: "writer", SkillName: "write"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.WorkflowEscalated {
		t.Fatalf("status = %q, want escalated", run.Status)
	}
	// A remote failure is not retried.
	if broker.callCount() != 1 {
		t.Fatalf("broker calls = %d, want 1", broker.callCount())
	}
	if len(run.Branches) != 2 || !run.Branches[1].Skipped {
		t.Fatalf("branches = %+v", run.Branches)
	}
	if len(esc.escs) != 1 || esc.escs[0].RunID != run.ID {
		t.Fatalf("escalations = %+v", esc.escs)
	}
}

func TestOrchestratorParallelReportsPerBranch(t *testing.T) {
	broker := &scriptedBroker{}
	broker.respond = func(target, _ string, _ json.RawMessage) (*domain.ServiceResponse, error) {
		if target == "slow" {
			return &domain.ServiceResponse{Status: domain.StatusTimeout, Error: "no response within 1s"}, nil
		}
		return success(`{}`), nil
	}
	o := New("orch", fastPolicy(1), broker, nil, NewMemoryStore(), &captureEscalator{}, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "fan-out",
		Pattern: domain.PatternParallel,
		Steps: []domain.WorkflowStep{
			{Name: "a", TargetAgentID: "fast-1", SkillName: "summarize"},
			{Name: "b", TargetAgentID: "fast-2", SkillName: "summarize"},
			{Name: "c", TargetAgentID: "slow", SkillName: "summarize"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.WorkflowCompleted {
		t.Fatalf("status = %q", run.Status)
	}
	// Mixed outcomes must not read as a clean success.
	if run.Error == "" || !strings.Contains(run.Error, "1/3") {
		t.Fatalf("run error = %q", run.Error)
	}
	statuses := map[domain.ResponseStatus]int{}
	for _, b := range run.Branches {
		statuses[b.Status]++
	}
	if statuses[domain.StatusSuccess] != 2 || statuses[domain.StatusTimeout] != 1 {
		t.Fatalf("branch statuses = %v", statuses)
	}
}

func TestOrchestratorParallelAllFailedEscalates(t *testing.T) {
	broker := &scriptedBroker{}
	broker.respond = func(string, string, json.RawMessage) (*domain.ServiceResponse, error) {
		return &domain.ServiceResponse{Status: domain.StatusFailure, Error: "nope"}, nil
	}
	esc := &captureEscalator{}
	o := New("orch", fastPolicy(1), broker, nil, NewMemoryStore(), esc, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "fan-out",
		Pattern: domain.PatternParallel,
		Steps: []domain.WorkflowStep{
			{Name: "a", TargetAgentID: "x", SkillName: "summarize"},
			{Name: "b", TargetAgentID: "y", SkillName: "summarize"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.WorkflowEscalated {
		t.Fatalf("status = %q, want escalated", run.Status)
	}
	if len(esc.escs) != 1 {
		t.Fatalf("escalations = %d", len(esc.escs))
	}
}

func TestOrchestratorRetriesTimeoutsThenEscalates(t *testing.T) {
	broker := &scriptedBroker{}
	broker.respond = func(string, string, json.RawMessage) (*domain.ServiceResponse, error) {
		return &domain.ServiceResponse{Status: domain.StatusTimeout, Error: "no response"}, nil
	}
	esc := &captureEscalator{}
	o := New("orch", fastPolicy(3), broker, nil, NewMemoryStore(), esc, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "single-shot",
		Pattern: domain.PatternSingle,
		Steps:   []domain.WorkflowStep{{Name: "only", TargetAgentID: "worker", SkillName: "summarize"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if broker.callCount() != 3 {
		t.Fatalf("broker calls = %d, want 3", broker.callCount())
	}
	if run.Status != domain.WorkflowEscalated {
		t.Fatalf("status = %q, want escalated", run.Status)
	}
	if run.Branches[0].Attempts != 3 || run.Branches[0].Status != domain.StatusTimeout {
		t.Fatalf("branch = %+v", run.Branches[0])
	}
}

func TestOrchestratorPicksTargetByReputation(t *testing.T) {
	dir := &staticDirectory{records: []domain.CapabilityRecord{
		{Identity: domain.AgentIdentity{ID: "best"}, Reputation: 0.9},
		{Identity: domain.AgentIdentity{ID: "worst"}, Reputation: 0.1},
	}}
	broker := &scriptedBroker{}
	broker.respond = func(target, _ string, _ json.RawMessage) (*domain.ServiceResponse, error) {
		if target != "best" {
			t.Errorf("dispatched to %q, want best", target)
		}
		return success(`{}`), nil
	}
	o := New("orch", fastPolicy(1), broker, dir, NewMemoryStore(), nil, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "discovered",
		Pattern: domain.PatternSingle,
		Steps:   []domain.WorkflowStep{{Name: "only", SkillName: "summarize"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.WorkflowCompleted {
		t.Fatalf("status = %q", run.Status)
	}
	if run.Branches[0].AgentID != "best" {
		t.Fatalf("branch agent = %q", run.Branches[0].AgentID)
	}
}

func TestOrchestratorWithoutEscalatorFails(t *testing.T) {
	broker := &scriptedBroker{}
	broker.respond = func(string, string, json.RawMessage) (*domain.ServiceResponse, error) {
		return &domain.ServiceResponse{Status: domain.StatusFailure, Error: "nope"}, nil
	}
	o := New("orch", fastPolicy(1), broker, nil, NewMemoryStore(), nil, nil, nil, discardLogger())

	run, err := o.Run(context.Background(), domain.WorkflowSpec{
		Name:    "single-shot",
		Pattern: domain.PatternSingle,
		Steps:   []domain.WorkflowStep{{Name: "only", TargetAgentID: "worker", SkillName: "summarize"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.WorkflowFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
}

func TestOrchestratorValidatesSpec(t *testing.T) {
	o := New("orch", fastPolicy(1), &scriptedBroker{respond: func(string, string, json.RawMessage) (*domain.ServiceResponse, error) {
		return success(`{}`), nil
	}}, nil, nil, nil, nil, nil, discardLogger())

	for name, spec := range map[string]domain.WorkflowSpec{
		"no name":        {Pattern: domain.PatternSingle, Steps: []domain.WorkflowStep{{SkillName: "s"}}},
		"no steps":       {Name: "w", Pattern: domain.PatternChain},
		"bad pattern":    {Name: "w", Pattern: "zigzag", Steps: []domain.WorkflowStep{{SkillName: "s"}}},
		"multi single":   {Name: "w", Pattern: domain.PatternSingle, Steps: []domain.WorkflowStep{{SkillName: "s"}, {SkillName: "t"}}},
		"step w/o skill": {Name: "w", Pattern: domain.PatternChain, Steps: []domain.WorkflowStep{{Name: "x"}}},
	} {
		if _, err := o.Run(context.Background(), spec); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
