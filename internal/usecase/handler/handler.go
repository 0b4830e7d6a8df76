// Package handler validates and serves requests arriving from peer agents.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"openclaw/internal/domain"
	"openclaw/internal/infra/tracer"
	"openclaw/internal/usecase/skill"
)

// OperationTracker mirrors in-flight work into the agent's status machine.
type OperationTracker interface {
	Acquire(ctx context.Context)
	Release(ctx context.Context)
}

// Config tunes inbound request policy.
type Config struct {
	RequesterRate  rate.Limit    // sustained requests per second per requester
	RequesterBurst int           // burst allowance per requester
	DedupSize      int           // remembered request ids
	DedupTTL       time.Duration // how long a request id stays remembered
	MaxRequesters  int           // tracked requester limiters before eviction
}

func (c *Config) applyDefaults() {
	if c.RequesterRate <= 0 {
		c.RequesterRate = rate.Limit(2)
	}
	if c.RequesterBurst <= 0 {
		c.RequesterBurst = 20
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 4096
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.MaxRequesters <= 0 {
		c.MaxRequesters = 1024
	}
}

// Handler is the inbound half of the service protocol. Every accepted
// request produces exactly one response; rejections come back as failure
// responses, never silence.
type Handler struct {
	agentID  string
	cfg      Config
	executor *skill.Executor
	policy   domain.AuthorizationPolicy
	tracker  OperationTracker
	audit    domain.AuditLogger
	bus      domain.EventBus
	logger   *slog.Logger
	now      func() time.Time

	dedupMu  sync.Mutex
	seen     *lru.LRU[string, struct{}]
	limiters *lru.LRU[string, *rate.Limiter]
}

// New creates a handler serving the given local agent identity.
func New(agentID string, cfg Config, executor *skill.Executor, policy domain.AuthorizationPolicy, tracker OperationTracker, audit domain.AuditLogger, bus domain.EventBus, logger *slog.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{
		agentID:  agentID,
		cfg:      cfg,
		executor: executor,
		policy:   policy,
		tracker:  tracker,
		audit:    audit,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		seen:     lru.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		limiters: lru.NewLRU[string, *rate.Limiter](cfg.MaxRequesters, nil, time.Hour),
	}
}

// Handle serves one inbound request end to end and always returns a
// response addressed back to the requester.
func (h *Handler) Handle(ctx context.Context, req domain.ServiceRequest) domain.ServiceResponse {
	ctx, span := tracer.StartSpan(ctx, "handler.handle", trace.WithAttributes(
		tracer.StringAttr("request_id", req.RequestID),
		tracer.StringAttr("requester_id", req.RequesterID),
		tracer.StringAttr("skill", req.SkillName),
	))
	defer span.End()

	h.publish(domain.EventRequestReceived, req)

	if err := h.validate(req); err != nil {
		return h.reject(ctx, span, req, err)
	}
	if req.TargetAgentID != h.agentID {
		err := domain.NewSubSystemError("handler", "handle", domain.ErrInvalidInput,
			"request addressed to "+req.TargetAgentID)
		return h.reject(ctx, span, req, err)
	}
	if h.policy != nil && !h.policy.IsAllowed(req.RequesterID, req.TargetAgentID, req.SkillName) {
		h.auditDenied(ctx, req)
		err := domain.NewSubSystemError("handler", "handle", domain.ErrPermissionDenied,
			"requester "+req.RequesterID+" not allowed to call "+req.SkillName)
		return h.reject(ctx, span, req, err)
	}
	if !h.limiter(req.RequesterID).Allow() {
		err := domain.NewSubSystemError("handler", "handle", domain.ErrRateLimit,
			"requester "+req.RequesterID+" exceeded inbound rate")
		return h.reject(ctx, span, req, err)
	}

	// Replayed request ids are answered with a failure instead of running
	// the skill twice.
	if !h.markSeen(req.RequestID) {
		err := domain.NewSubSystemError("handler", "handle", domain.ErrDuplicate,
			"request id already served")
		return h.reject(ctx, span, req, err)
	}

	if h.tracker != nil {
		h.tracker.Acquire(ctx)
		defer h.tracker.Release(ctx)
	}

	outcome := h.executor.Execute(ctx, req.SkillName, req.Input, req.Timeout)
	if outcome.Status == domain.StatusSuccess {
		tracer.SetOK(span)
	}
	return domain.ServiceResponse{
		RequestID:     req.RequestID,
		RequesterID:   req.RequesterID,
		TargetAgentID: h.agentID,
		Status:        outcome.Status,
		Output:        outcome.Output,
		ExecutionTime: outcome.Latency,
		Error:         outcome.Error,
	}
}

func (h *Handler) validate(req domain.ServiceRequest) error {
	switch {
	case req.RequestID == "":
		return domain.NewSubSystemError("handler", "validate", domain.ErrInvalidInput, "request id is required")
	case req.RequesterID == "":
		return domain.NewSubSystemError("handler", "validate", domain.ErrInvalidInput, "requester id is required")
	case req.SkillName == "":
		return domain.NewSubSystemError("handler", "validate", domain.ErrInvalidInput, "skill name is required")
	}
	return nil
}

// markSeen records the request id and reports whether this call was the
// first to see it. Check and record happen under one lock so concurrent
// deliveries of the same id cannot both pass.
func (h *Handler) markSeen(requestID string) bool {
	h.dedupMu.Lock()
	defer h.dedupMu.Unlock()
	if _, dup := h.seen.Get(requestID); dup {
		return false
	}
	h.seen.Add(requestID, struct{}{})
	return true
}

func (h *Handler) limiter(requesterID string) *rate.Limiter {
	if lim, ok := h.limiters.Get(requesterID); ok {
		return lim
	}
	lim := rate.NewLimiter(h.cfg.RequesterRate, h.cfg.RequesterBurst)
	h.limiters.Add(requesterID, lim)
	return lim
}

func (h *Handler) reject(ctx context.Context, span trace.Span, req domain.ServiceRequest, err error) domain.ServiceResponse {
	tracer.RecordError(span, err)
	h.logger.Warn("request rejected",
		"request_id", req.RequestID,
		"requester_id", req.RequesterID,
		"skill", req.SkillName,
		"error", err,
		"error_code", domain.ErrorCodeOf(err),
	)
	return domain.ServiceResponse{
		RequestID:     req.RequestID,
		RequesterID:   req.RequesterID,
		TargetAgentID: h.agentID,
		Status:        domain.StatusFailure,
		Error:         err.Error(),
	}
}

func (h *Handler) auditDenied(ctx context.Context, req domain.ServiceRequest) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, domain.AuditEvent{
		Timestamp: h.now(),
		Type:      domain.AuditAccessDenied,
		Actor:     req.RequesterID,
		Resource:  req.SkillName,
		Action:    "invoke",
		Outcome:   "denied",
		Detail:    map[string]string{"request_id": req.RequestID},
	}); err != nil {
		h.logger.Warn("audit append failed", "error", err)
	}
}

func (h *Handler) publish(t domain.EventType, req domain.ServiceRequest) {
	if h.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"request_id":   req.RequestID,
		"requester_id": req.RequesterID,
		"skill":        req.SkillName,
	})
	h.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: h.now(),
		AgentID:   h.agentID,
		Payload:   payload,
	})
}
