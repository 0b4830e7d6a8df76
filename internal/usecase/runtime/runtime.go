// Package runtime assembles one agent: it pumps the transport, routes
// decoded protocol messages to the owning component, and keeps the mesh
// informed about this agent.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openclaw/internal/adapter/gateway"
	"openclaw/internal/domain"
	"openclaw/internal/usecase/broker"
	"openclaw/internal/usecase/directory"
	"openclaw/internal/usecase/handler"
	"openclaw/internal/usecase/skill"
	"openclaw/internal/usecase/status"
)

// Options carries the collaborators a runtime is assembled from.
type Options struct {
	Identity  domain.AgentIdentity
	Registry  *skill.Registry
	Directory *directory.Directory
	Status    *status.Manager
	Broker    *broker.Broker
	Handler   *handler.Handler
	Gateway   *gateway.Gateway
	Transport domain.Transport
	Audit     domain.AuditLogger
	Logger    *slog.Logger
}

// Runtime is one agent's live process state.
type Runtime struct {
	identity  domain.AgentIdentity
	registry  *skill.Registry
	directory *directory.Directory
	status    *status.Manager
	broker    *broker.Broker
	handler   *handler.Handler
	gw        *gateway.Gateway
	transport domain.Transport
	audit     domain.AuditLogger
	logger    *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New assembles a runtime from its collaborators.
func New(opts Options) *Runtime {
	return &Runtime{
		identity:  opts.Identity,
		registry:  opts.Registry,
		directory: opts.Directory,
		status:    opts.Status,
		broker:    opts.Broker,
		handler:   opts.Handler,
		gw:        opts.Gateway,
		transport: opts.Transport,
		audit:     opts.Audit,
		logger:    opts.Logger,
	}
}

// NewSender adapts the outbound side for the broker: requests leave as
// signed request envelopes addressed to their target. It is built before
// the runtime because the broker takes it at construction.
func NewSender(agentID string, gw *gateway.Gateway, transport domain.Transport) broker.Sender {
	return func(ctx context.Context, req domain.ServiceRequest) error {
		raw, err := gw.Encode(agentID, gateway.Request{Request: req})
		if err != nil {
			return err
		}
		return transport.Send(ctx, req.TargetAgentID, raw)
	}
}

// NewStatusEmitter adapts the outbound side for the status manager:
// snapshots go out as broadcast status updates.
func NewStatusEmitter(agentID string, gw *gateway.Gateway, transport domain.Transport, logger *slog.Logger) status.Emitter {
	return func(ctx context.Context, snap domain.StatusSnapshot) {
		raw, err := gw.Encode(agentID, gateway.StatusUpdate{Snapshot: snap})
		if err != nil {
			logger.Error("status encode failed", "error", err)
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := transport.Broadcast(sendCtx, raw); err != nil {
			logger.Warn("status broadcast failed", "error", err)
		}
	}
}

// Start announces this agent and begins serving inbound traffic.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Announce(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.receiveLoop(ctx)
	return nil
}

// Announce broadcasts this agent's full capability snapshot and brings it
// out of offline. This is also the recovery path after a breaker trip.
func (r *Runtime) Announce(ctx context.Context) error {
	identity := r.snapshotIdentity()
	raw, err := r.gw.Encode(identity.ID, gateway.Announce{Identity: identity})
	if err != nil {
		return err
	}
	if err := r.transport.Broadcast(ctx, raw); err != nil {
		return err
	}
	r.status.Announce(ctx)
	r.directory.Announce(identity)
	r.logger.Info("agent announced",
		"agent_id", identity.ID,
		"agent_type", string(identity.Type),
		"capabilities", len(identity.Capabilities),
	)
	return nil
}

// snapshotIdentity rebuilds the announced identity from the live registry
// and status, so a re-announce always reflects current capabilities.
func (r *Runtime) snapshotIdentity() domain.AgentIdentity {
	identity := r.identity
	identity.Capabilities = r.registry.Capabilities()
	identity.Status = r.status.State()
	if identity.Status == domain.StateOffline {
		// An announce is the transition out of offline.
		identity.Status = domain.StateAvailable
	}
	return identity
}

// Stop takes the agent offline: the final status broadcast goes out, then
// the transport closes, which ends the receive loop.
func (r *Runtime) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.status.Shutdown(ctx)
		if err := r.transport.Close(); err != nil {
			r.logger.Warn("transport close failed", "error", err)
		}
		r.wg.Wait()
		r.logger.Info("agent stopped", "agent_id", r.identity.ID)
	})
}

func (r *Runtime) receiveLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-r.transport.Receive():
			if !ok {
				return
			}
			r.dispatch(ctx, frame)
		}
	}
}

// dispatch decodes one frame and routes it to the owning component.
// Rejections are dropped after logging; the sender owns resubmission.
func (r *Runtime) dispatch(ctx context.Context, frame domain.Frame) {
	sender, msg, err := r.gw.Decode(frame.Payload)
	if err != nil {
		r.logger.Warn("dropping invalid envelope",
			"source", frame.Source,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		r.auditReject(ctx, frame.Source, err)
		return
	}

	switch m := msg.(type) {
	case gateway.Announce:
		if m.Identity.ID != sender {
			r.logger.Warn("dropping announce for foreign identity", "sender", sender, "claimed", m.Identity.ID)
			return
		}
		if m.Identity.ID == r.identity.ID {
			return
		}
		r.directory.Announce(m.Identity)

	case gateway.Discover:
		records := r.directory.Lookup(m.Query)
		raw, err := r.gw.Encode(r.identity.ID, gateway.DiscoverResponse{
			RequesterID: m.RequesterID,
			Agents:      records,
		})
		if err != nil {
			r.logger.Error("discover response encode failed", "error", err)
			return
		}
		if err := r.transport.Send(ctx, sender, raw); err != nil {
			r.logger.Warn("discover response send failed", "requester_id", m.RequesterID, "error", err)
		}

	case gateway.DiscoverResponse:
		r.directory.Merge(m.Agents)

	case gateway.Request:
		if m.Request.RequesterID != sender {
			r.logger.Warn("dropping request with foreign requester id", "sender", sender, "claimed", m.Request.RequesterID)
			return
		}
		// Each request runs in its own task so one blocked skill cannot
		// stall the receive loop.
		r.wg.Add(1)
		go func(req domain.ServiceRequest, replyTo string) {
			defer r.wg.Done()
			resp := r.handler.Handle(ctx, req)
			raw, err := r.gw.Encode(r.identity.ID, gateway.RequestResponse{Response: resp})
			if err != nil {
				r.logger.Error("response encode failed", "request_id", req.RequestID, "error", err)
				return
			}
			if err := r.transport.Send(ctx, replyTo, raw); err != nil {
				r.logger.Warn("response send failed", "request_id", req.RequestID, "error", err)
			}
		}(m.Request, sender)

	case gateway.RequestResponse:
		if m.Response.TargetAgentID != sender {
			r.logger.Warn("dropping response from foreign responder", "sender", sender, "claimed", m.Response.TargetAgentID)
			return
		}
		r.broker.HandleResponse(ctx, m.Response)

	case gateway.StatusUpdate:
		if m.Snapshot.AgentID != sender {
			r.logger.Warn("dropping status update for foreign agent", "sender", sender, "claimed", m.Snapshot.AgentID)
			return
		}
		r.directory.UpdateStatus(m.Snapshot)
	}
}

func (r *Runtime) auditReject(ctx context.Context, source string, cause error) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditProtocolReject,
		Actor:   source,
		Action:  "decode",
		Outcome: "rejected",
		Detail:  map[string]string{"reason": cause.Error()},
	}); err != nil {
		r.logger.Warn("audit append failed", "error", err)
	}
}

// Discover asks the mesh for agents matching the filter. Responses arrive
// asynchronously and merge into the local directory; callers follow up with
// a directory lookup after a short wait.
func (r *Runtime) Discover(ctx context.Context, query domain.CapabilityFilter) error {
	raw, err := r.gw.Encode(r.identity.ID, gateway.Discover{
		RequesterID: r.identity.ID,
		Query:       query,
	})
	if err != nil {
		return err
	}
	return r.transport.Broadcast(ctx, raw)
}
