package skill

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"openclaw/internal/domain"
	"openclaw/internal/infra/tracer"
)

// OutcomeObserver is notified after every execution. The status manager uses
// it to track consecutive failures for its circuit breaker.
type OutcomeObserver func(skillName string, err error)

// Executor runs registered skills under a deadline and emits one audit
// record per execution, success or failure.
type Executor struct {
	registry  *Registry
	audit     domain.AuditLogger
	logger    *slog.Logger
	observers []OutcomeObserver
}

// NewExecutor creates an executor. audit may be nil.
func NewExecutor(registry *Registry, audit domain.AuditLogger, logger *slog.Logger, observers ...OutcomeObserver) *Executor {
	return &Executor{
		registry:  registry,
		audit:     audit,
		logger:    logger,
		observers: observers,
	}
}

// Execute validates input, enforces the skill's rate limit, and runs the
// handler under the given deadline. A handler that outlives its deadline is
// abandoned: the outcome is reported as timeout immediately and the handler
// is left to honor ctx cancellation and release its own resources.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage, timeout time.Duration) domain.Outcome {
	ctx, span := tracer.StartSpan(ctx, "skill.execute",
		trace.WithAttributes(tracer.StringAttr("skill.name", name)))
	defer span.End()

	start := time.Now()

	ent, err := e.registry.get(name)
	if err != nil {
		return e.finish(ctx, span, name, input, failureOutcome(err, time.Since(start)), err)
	}

	// Schema mismatch is permanent: no retry, no execution.
	if ent.inSchema != nil {
		if result := ent.inSchema.Validate(input); !result.IsValid() {
			verr := domain.NewSubSystemError("schema", "Executor.Execute", domain.ErrInvalidInput, result.Error())
			return e.finish(ctx, span, name, input, failureOutcome(verr, time.Since(start)), verr)
		}
	}

	if !ent.window.allow(start) {
		rerr := domain.NewSubSystemError("skill", "Executor.Execute", domain.ErrRateLimit,
			fmt.Sprintf("%s: retry after %s", name, ent.window.nextReset(start).Format(time.RFC3339)))
		return e.finish(ctx, span, name, input, failureOutcome(rerr, time.Since(start)), rerr)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: domain.NewSubSystemError("skill", "Executor.Execute", domain.ErrInternal, fmt.Sprintf("panic: %v", r))}
			}
		}()
		out, herr := ent.spec.Handler(execCtx, input)
		done <- result{output: out, err: herr}
	}()

	select {
	case res := <-done:
		latency := time.Since(start)
		if res.err != nil {
			return e.finish(ctx, span, name, input, failureOutcome(res.err, latency), res.err)
		}
		if ent.outSchema != nil {
			if vr := ent.outSchema.Validate(res.output); !vr.IsValid() {
				verr := domain.NewSubSystemError("schema", "Executor.Execute", domain.ErrInvalidInput, "output: "+vr.Error())
				return e.finish(ctx, span, name, input, failureOutcome(verr, latency), verr)
			}
		}
		return e.finish(ctx, span, name, input, domain.Outcome{
			Status:  domain.StatusSuccess,
			Output:  res.output,
			Latency: latency,
		}, nil)

	case <-execCtx.Done():
		latency := time.Since(start)
		terr := domain.NewSubSystemError("skill", "Executor.Execute", domain.ErrTimeout,
			fmt.Sprintf("%s exceeded %s", name, timeout))
		return e.finish(ctx, span, name, input, domain.Outcome{
			Status:  domain.StatusTimeout,
			Error:   terr.Error(),
			Latency: latency,
		}, terr)
	}
}

// finish records the audit trail and notifies observers. Exactly one audit
// record is written per Execute call.
func (e *Executor) finish(ctx context.Context, span trace.Span, name string, input json.RawMessage, out domain.Outcome, err error) domain.Outcome {
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}

	if e.audit != nil {
		if aerr := e.audit.Log(ctx, domain.AuditEvent{
			Type:     domain.AuditSkillExec,
			Resource: name,
			Outcome:  string(out.Status),
			Detail: map[string]string{
				"input_digest": inputDigest(input),
				"latency":      out.Latency.String(),
				"error_code":   string(domain.ErrorCodeOf(err)),
			},
		}); aerr != nil {
			e.logger.Warn("audit append failed", "skill", name, "error", aerr)
		}
	}

	for _, obs := range e.observers {
		obs(name, err)
	}

	if err != nil {
		e.logger.Debug("skill execution failed", "skill", name, "error", err, "latency", out.Latency)
	}
	return out
}

func failureOutcome(err error, latency time.Duration) domain.Outcome {
	return domain.Outcome{
		Status:  domain.StatusFailure,
		Error:   err.Error(),
		Latency: latency,
	}
}

// inputDigest returns a short redacted digest of the raw input. Audit records
// never carry request payloads.
func inputDigest(input json.RawMessage) string {
	sum := blake2b.Sum256(input)
	return hex.EncodeToString(sum[:8])
}
