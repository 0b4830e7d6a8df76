// Package orchestrator sequences multi-agent workflows on top of the
// request broker.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"openclaw/internal/domain"
	"openclaw/internal/infra/tracer"
)

// Dispatcher sends one request to a peer and waits for its resolution. The
// request broker satisfies this.
type Dispatcher interface {
	Send(ctx context.Context, targetAgentID, skillName string, input json.RawMessage, priority domain.Priority, timeout time.Duration) (*domain.ServiceResponse, error)
}

// DirectoryLookup finds candidate agents for a step with no explicit target.
type DirectoryLookup interface {
	Lookup(filter domain.CapabilityFilter) []domain.CapabilityRecord
}

// Orchestrator drives workflow runs through
// pending -> dispatched -> {completed | failed | escalated}. It owns the
// retry policy; the broker below it never retries on its own.
type Orchestrator struct {
	agentID   string
	policy    RetryPolicy
	broker    Dispatcher
	directory DirectoryLookup
	store     domain.RunStore
	escalator domain.Escalator
	audit     domain.AuditLogger
	bus       domain.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an orchestrator. store may be nil for fire-and-forget use;
// escalator may be nil, in which case exhausted workflows fail instead of
// escalating.
func New(agentID string, policy RetryPolicy, broker Dispatcher, directory DirectoryLookup, store domain.RunStore, escalator domain.Escalator, audit domain.AuditLogger, bus domain.EventBus, logger *slog.Logger) *Orchestrator {
	policy.applyDefaults()
	return &Orchestrator{
		agentID:   agentID,
		policy:    policy,
		broker:    broker,
		directory: directory,
		store:     store,
		escalator: escalator,
		audit:     audit,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one workflow to a terminal state. The returned run is always
// non-nil when err is nil, in a terminal status.
func (o *Orchestrator) Run(ctx context.Context, spec domain.WorkflowSpec) (*domain.WorkflowRun, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.run", trace.WithAttributes(
		tracer.StringAttr("workflow", spec.Name),
		tracer.StringAttr("pattern", string(spec.Pattern)),
	))
	defer span.End()

	run := &domain.WorkflowRun{
		ID:        ulid.Make().String(),
		Name:      spec.Name,
		Pattern:   spec.Pattern,
		Status:    domain.WorkflowPending,
		CreatedAt: o.now(),
		UpdatedAt: o.now(),
	}
	span.SetAttributes(tracer.StringAttr("run_id", run.ID))
	o.save(ctx, run)
	o.publish(domain.EventWorkflowStarted, run)
	o.auditRun(ctx, domain.AuditWorkflowStart, run, "")

	run.Status = domain.WorkflowDispatched
	o.save(ctx, run)

	switch spec.Pattern {
	case domain.PatternChain:
		o.runChain(ctx, run, spec.Steps)
	case domain.PatternParallel:
		o.runParallel(ctx, run, spec.Steps)
	case domain.PatternSingle:
		o.runSingle(ctx, run, spec.Steps[0])
	}

	run.UpdatedAt = o.now()
	o.save(ctx, run)
	o.auditRun(ctx, domain.AuditWorkflowEnd, run, string(run.Status))
	switch run.Status {
	case domain.WorkflowCompleted:
		o.publish(domain.EventWorkflowCompleted, run)
		tracer.SetOK(span)
	case domain.WorkflowFailed:
		o.publish(domain.EventWorkflowFailed, run)
		tracer.RecordError(span, fmt.Errorf("workflow failed: %s", run.Error))
	case domain.WorkflowEscalated:
		tracer.RecordError(span, fmt.Errorf("workflow escalated: %s", run.Error))
	}
	return run, nil
}

// runChain executes steps sequentially. Each step's output becomes the next
// step's input unless the step declares its own. Any step failure halts the
// chain; the remaining steps are reported skipped.
func (o *Orchestrator) runChain(ctx context.Context, run *domain.WorkflowRun, steps []domain.WorkflowStep) {
	var carry json.RawMessage
	for i, step := range steps {
		input := step.Input
		if input == nil && i > 0 {
			input = carry
		}
		branch := o.dispatchStep(ctx, step, input)
		run.Branches = append(run.Branches, branch)
		if branch.Status != domain.StatusSuccess {
			for _, rest := range steps[i+1:] {
				run.Branches = append(run.Branches, domain.BranchResult{
					Step:    rest.Name,
					Status:  domain.StatusFailure,
					Skipped: true,
				})
			}
			o.escalate(ctx, run, fmt.Sprintf("chain halted at step %q: %s", step.Name, branch.Error))
			return
		}
		carry = branch.Output
	}
	run.Status = domain.WorkflowCompleted
}

// runParallel fans steps out concurrently and waits for every branch.
// Partial failure stays per-branch: the run completes with a summary error
// naming the failed branches. Only a fully failed fan-out escalates.
func (o *Orchestrator) runParallel(ctx context.Context, run *domain.WorkflowRun, steps []domain.WorkflowStep) {
	branches := make([]domain.BranchResult, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step domain.WorkflowStep) {
			defer wg.Done()
			branches[i] = o.dispatchStep(ctx, step, step.Input)
		}(i, step)
	}
	wg.Wait()

	run.Branches = append(run.Branches, branches...)
	var failed []string
	for _, b := range branches {
		if b.Status != domain.StatusSuccess {
			failed = append(failed, fmt.Sprintf("%s: %s", b.Step, b.Status))
		}
	}
	switch {
	case len(failed) == 0:
		run.Status = domain.WorkflowCompleted
	case len(failed) == len(branches):
		o.escalate(ctx, run, "all branches failed: "+strings.Join(failed, "; "))
	default:
		run.Status = domain.WorkflowCompleted
		run.Error = fmt.Sprintf("%d/%d branches failed: %s", len(failed), len(branches), strings.Join(failed, "; "))
	}
}

func (o *Orchestrator) runSingle(ctx context.Context, run *domain.WorkflowRun, step domain.WorkflowStep) {
	branch := o.dispatchStep(ctx, step, step.Input)
	run.Branches = append(run.Branches, branch)
	if branch.Status != domain.StatusSuccess {
		o.escalate(ctx, run, fmt.Sprintf("step %q: %s", step.Name, branch.Error))
		return
	}
	run.Status = domain.WorkflowCompleted
}

// dispatchStep sends one step under the retry policy. Every attempt is a
// fresh request with its own request id; the broker never reuses one.
func (o *Orchestrator) dispatchStep(ctx context.Context, step domain.WorkflowStep, input json.RawMessage) domain.BranchResult {
	branch := domain.BranchResult{Step: step.Name}
	started := o.now()

	var lastResp *domain.ServiceResponse
	attempts, err := o.policy.run(ctx, func() error {
		target := step.TargetAgentID
		if target == "" {
			record, lookupErr := o.pickTarget(step)
			if lookupErr != nil {
				return lookupErr
			}
			target = record.Identity.ID
		}
		branch.AgentID = target

		resp, sendErr := o.broker.Send(ctx, target, step.SkillName, input, step.Priority, step.Timeout)
		if sendErr != nil {
			return sendErr
		}
		lastResp = resp
		switch resp.Status {
		case domain.StatusSuccess:
			return nil
		case domain.StatusTimeout:
			return domain.NewSubSystemError("workflow", "dispatch", domain.ErrTimeout, resp.Error)
		default:
			// Remote failures carry validation or authorization causes we
			// cannot rerun our way out of.
			return domain.NewSubSystemError("workflow", "dispatch", domain.ErrInternal, resp.Error)
		}
	})

	branch.Attempts = attempts
	branch.Latency = o.now().Sub(started)
	if err != nil {
		branch.Status = domain.StatusFailure
		if lastResp != nil && lastResp.Status == domain.StatusTimeout {
			branch.Status = domain.StatusTimeout
		}
		branch.Error = err.Error()
		o.logger.Warn("workflow step failed",
			"step", step.Name,
			"agent_id", branch.AgentID,
			"attempts", attempts,
			"error", err,
		)
		return branch
	}
	branch.Status = domain.StatusSuccess
	branch.Output = lastResp.Output
	return branch
}

// pickTarget selects the best available agent for a step by reputation.
func (o *Orchestrator) pickTarget(step domain.WorkflowStep) (domain.CapabilityRecord, error) {
	if o.directory == nil {
		return domain.CapabilityRecord{}, domain.NewSubSystemError("workflow", "dispatch", domain.ErrInvalidInput,
			"step "+step.Name+" has no target and no directory is configured")
	}
	records := o.directory.Lookup(domain.CapabilityFilter{
		SkillName: step.SkillName,
		AgentType: step.TargetType,
	})
	if len(records) == 0 {
		return domain.CapabilityRecord{}, domain.NewSubSystemError("workflow", "dispatch", domain.ErrUnreachable,
			"no available agent offers "+step.SkillName)
	}
	return records[0], nil
}

// escalate hands the run to human review. Without an escalator, or when
// escalation itself fails, the run fails instead: silence is never an
// outcome.
func (o *Orchestrator) escalate(ctx context.Context, run *domain.WorkflowRun, reason string) {
	run.Error = reason
	if o.escalator == nil {
		run.Status = domain.WorkflowFailed
		return
	}

	esc := domain.Escalation{
		RunID:     run.ID,
		Workflow:  run.Name,
		Reason:    reason,
		Branches:  run.Branches,
		Timestamp: o.now(),
	}
	if err := o.escalator.Escalate(ctx, esc); err != nil {
		o.logger.Error("escalation failed", "run_id", run.ID, "error", err)
		run.Status = domain.WorkflowFailed
		run.Error = reason + " (escalation failed: " + err.Error() + ")"
		return
	}
	run.Status = domain.WorkflowEscalated
	o.publish(domain.EventWorkflowEscalated, run)
	o.auditRun(ctx, domain.AuditEscalation, run, reason)
}

func validateSpec(spec domain.WorkflowSpec) error {
	if spec.Name == "" {
		return domain.NewSubSystemError("workflow", "validate", domain.ErrInvalidInput, "workflow name is required")
	}
	if len(spec.Steps) == 0 {
		return domain.NewSubSystemError("workflow", "validate", domain.ErrInvalidInput, "workflow has no steps")
	}
	switch spec.Pattern {
	case domain.PatternChain, domain.PatternParallel:
	case domain.PatternSingle:
		if len(spec.Steps) != 1 {
			return domain.NewSubSystemError("workflow", "validate", domain.ErrInvalidInput,
				"single pattern takes exactly one step")
		}
	default:
		return domain.NewSubSystemError("workflow", "validate", domain.ErrInvalidInput,
			"unknown pattern "+string(spec.Pattern))
	}
	for _, step := range spec.Steps {
		if step.SkillName == "" {
			return domain.NewSubSystemError("workflow", "validate", domain.ErrInvalidInput,
				"step "+step.Name+" has no skill name")
		}
	}
	return nil
}

func (o *Orchestrator) save(ctx context.Context, run *domain.WorkflowRun) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRun(ctx, *run); err != nil {
		o.logger.Warn("run store save failed", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) publish(t domain.EventType, run *domain.WorkflowRun) {
	if o.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"run_id":   run.ID,
		"workflow": run.Name,
		"status":   string(run.Status),
	})
	o.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: o.now(),
		AgentID:   o.agentID,
		Payload:   payload,
	})
}

func (o *Orchestrator) auditRun(ctx context.Context, t domain.AuditEventType, run *domain.WorkflowRun, detail string) {
	if o.audit == nil {
		return
	}
	ev := domain.AuditEvent{
		Timestamp: o.now(),
		Type:      t,
		Actor:     o.agentID,
		Resource:  run.Name,
		Action:    string(run.Pattern),
		Outcome:   string(run.Status),
		Detail:    map[string]string{"run_id": run.ID},
	}
	if detail != "" {
		ev.Detail["detail"] = detail
	}
	if err := o.audit.Log(ctx, ev); err != nil {
		o.logger.Warn("audit append failed", "error", err)
	}
}
