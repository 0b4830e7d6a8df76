package domain

import (
	"context"
	"encoding/json"
	"time"
)

// DispatchPattern selects how a workflow's steps are distributed.
type DispatchPattern string

const (
	PatternChain    DispatchPattern = "chain"    // sequential, output feeds next input
	PatternParallel DispatchPattern = "parallel" // fan-out, per-branch outcomes
	PatternSingle   DispatchPattern = "single"   // direct dispatch of one step
)

// WorkflowStatus is the state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowDispatched WorkflowStatus = "dispatched"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowEscalated  WorkflowStatus = "escalated"
)

// WorkflowStep is a single unit of work inside a workflow: one skill
// invocation on one target agent. An empty TargetAgentID lets the
// orchestrator pick a target by discovery.
type WorkflowStep struct {
	Name          string          `json:"name"`
	TargetAgentID string          `json:"target_agent_id,omitempty"`
	TargetType    AgentType       `json:"target_type,omitempty"`
	SkillName     string          `json:"skill_name"`
	Input         json.RawMessage `json:"input,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
}

// WorkflowSpec is a workflow definition.
type WorkflowSpec struct {
	Name    string          `json:"name"`
	Pattern DispatchPattern `json:"pattern"`
	Steps   []WorkflowStep  `json:"steps"`
}

// BranchResult records the outcome of one workflow step or parallel branch.
type BranchResult struct {
	Step     string          `json:"step"`
	AgentID  string          `json:"agent_id,omitempty"`
	Status   ResponseStatus  `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
	Latency  time.Duration   `json:"latency"`
	Skipped  bool            `json:"skipped,omitempty"`
}

// WorkflowRun tracks the runtime state of a single workflow execution.
type WorkflowRun struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Pattern   DispatchPattern `json:"pattern"`
	Status    WorkflowStatus  `json:"status"`
	Branches  []BranchResult  `json:"branches"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Error     string          `json:"error,omitempty"`
}

// RunStore persists workflow runs so escalated work survives a restart.
type RunStore interface {
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error)
	DeleteRun(ctx context.Context, id string) error
}

// Escalation hands a workflow that exhausted automated recovery to human
// review, together with everything a reviewer needs.
type Escalation struct {
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow"`
	Reason    string         `json:"reason"`
	Branches  []BranchResult `json:"branches"`
	Timestamp time.Time      `json:"timestamp"`
}

// Escalator is the human-review collaborator. Escalate must not block
// indefinitely; slow review pipelines queue internally.
type Escalator interface {
	Escalate(ctx context.Context, esc Escalation) error
}
