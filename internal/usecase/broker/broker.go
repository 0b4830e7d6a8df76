// Package broker correlates outbound service requests with their responses.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"openclaw/internal/domain"
	"openclaw/internal/infra/tracer"
)

// Sender puts one request on the wire. The gateway supplies this.
type Sender func(ctx context.Context, req domain.ServiceRequest) error

// ReputationSink receives the outcome of every resolved request.
type ReputationSink interface {
	RecordOutcome(agentID string, success bool, latency time.Duration)
}

// Config tunes broker behavior.
type Config struct {
	DefaultTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
}

type pendingRequest struct {
	req    domain.ServiceRequest
	sentAt time.Time
	done   chan domain.ServiceResponse
}

// Broker sends requests to peer agents and blocks callers until the
// matching response arrives or the deadline passes. Each request resolves
// at most once; whatever arrives after resolution is discarded.
type Broker struct {
	agentID    string
	cfg        Config
	send       Sender
	reputation ReputationSink
	bus        domain.EventBus
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New creates a broker for the given local agent identity.
func New(agentID string, cfg Config, send Sender, reputation ReputationSink, bus domain.EventBus, logger *slog.Logger) *Broker {
	cfg.applyDefaults()
	return &Broker{
		agentID:    agentID,
		cfg:        cfg,
		send:       send,
		reputation: reputation,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[string]*pendingRequest),
	}
}

// Send dispatches one request and waits for its response. The request_id is
// assigned here; callers never pick their own. A deadline miss is not a Go
// error: the caller gets a synthesized timeout response so that failure
// stays structured. A non-nil error means the request never left this
// process.
func (b *Broker) Send(ctx context.Context, targetAgentID, skillName string, input json.RawMessage, priority domain.Priority, timeout time.Duration) (*domain.ServiceResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "broker.send", trace.WithAttributes(
		tracer.StringAttr("target_agent_id", targetAgentID),
		tracer.StringAttr("skill", skillName),
	))
	defer span.End()

	if targetAgentID == "" || skillName == "" {
		err := domain.NewSubSystemError("broker", "send", domain.ErrInvalidInput, "target agent id and skill name are required")
		tracer.RecordError(span, err)
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	req := domain.ServiceRequest{
		RequestID:     uuid.NewString(),
		RequesterID:   b.agentID,
		TargetAgentID: targetAgentID,
		SkillName:     skillName,
		Input:         input,
		Priority:      priority,
		Timeout:       timeout,
		CreatedAt:     b.now(),
	}
	span.SetAttributes(tracer.StringAttr("request_id", req.RequestID))

	entry := &pendingRequest{
		req:    req,
		sentAt: b.now(),
		done:   make(chan domain.ServiceResponse, 1),
	}
	b.mu.Lock()
	b.pending[req.RequestID] = entry
	b.mu.Unlock()

	if err := b.send(ctx, req); err != nil {
		b.drop(req.RequestID)
		wrapped := domain.NewSubSystemError("transport", "send", domain.ErrUnreachable, err.Error())
		tracer.RecordError(span, wrapped)
		return nil, wrapped
	}
	b.publish(domain.EventRequestDispatched, req.RequestID, targetAgentID)
	b.logger.Debug("request dispatched",
		"request_id", req.RequestID,
		"target_agent_id", targetAgentID,
		"skill", skillName,
		"timeout", timeout,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.done:
		tracer.SetOK(span)
		return &resp, nil
	case <-timer.C:
		b.expire(req.RequestID, entry)
		resp := domain.ServiceResponse{
			RequestID:     req.RequestID,
			RequesterID:   b.agentID,
			TargetAgentID: targetAgentID,
			Status:        domain.StatusTimeout,
			ExecutionTime: b.now().Sub(entry.sentAt),
			Error:         "no response within " + timeout.String(),
		}
		tracer.RecordError(span, domain.ErrTimeout)
		return &resp, nil
	case <-ctx.Done():
		b.expire(req.RequestID, entry)
		resp := domain.ServiceResponse{
			RequestID:     req.RequestID,
			RequesterID:   b.agentID,
			TargetAgentID: targetAgentID,
			Status:        domain.StatusTimeout,
			ExecutionTime: b.now().Sub(entry.sentAt),
			Error:         "canceled: " + ctx.Err().Error(),
		}
		tracer.RecordError(span, ctx.Err())
		return &resp, nil
	}
}

// HandleResponse resolves the pending request matching the response, waking
// the blocked Send call. Responses with no pending entry, a duplicate
// arrival included, are discarded and noted.
func (b *Broker) HandleResponse(ctx context.Context, resp domain.ServiceResponse) {
	b.mu.Lock()
	entry, ok := b.pending[resp.RequestID]
	if ok {
		delete(b.pending, resp.RequestID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("discarding response with no pending request",
			"request_id", resp.RequestID,
			"target_agent_id", resp.TargetAgentID,
		)
		b.publish(domain.EventResponseDiscarded, resp.RequestID, resp.TargetAgentID)
		return
	}

	latency := b.now().Sub(entry.sentAt)
	if b.reputation != nil && entry.req.TargetAgentID != "" {
		b.reputation.RecordOutcome(entry.req.TargetAgentID, resp.Status == domain.StatusSuccess, latency)
	}
	b.publish(domain.EventRequestResolved, resp.RequestID, entry.req.TargetAgentID)

	entry.done <- resp
}

// PendingCount reports requests still awaiting a response.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// expire removes a deadline-missed request. A timeout counts against the
// target's reputation the same as an explicit failure.
func (b *Broker) expire(requestID string, entry *pendingRequest) {
	b.mu.Lock()
	_, still := b.pending[requestID]
	if still {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	// If HandleResponse got there first the response already won the race
	// and reputation was recorded; nothing more to do.
	if !still {
		return
	}
	if b.reputation != nil {
		b.reputation.RecordOutcome(entry.req.TargetAgentID, false, b.now().Sub(entry.sentAt))
	}
	b.logger.Warn("request timed out",
		"request_id", requestID,
		"target_agent_id", entry.req.TargetAgentID,
		"skill", entry.req.SkillName,
	)
}

func (b *Broker) drop(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

func (b *Broker) publish(t domain.EventType, requestID, agentID string) {
	if b.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"request_id": requestID})
	b.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: b.now(),
		AgentID:   agentID,
		Payload:   payload,
	})
}
