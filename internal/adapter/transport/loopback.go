// Package transport provides the wire adapters that move signed envelopes
// between agents.
package transport

import (
	"context"
	"sync"

	"openclaw/internal/domain"
)

// LoopbackHub connects in-process agents to each other. It exists so a
// whole mesh can run inside one process, which is also how the integration
// tests exercise the protocol end to end.
type LoopbackHub struct {
	mu     sync.RWMutex
	agents map[string]*LoopbackTransport
	closed bool
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{agents: make(map[string]*LoopbackTransport)}
}

// Attach registers an agent address and returns its transport endpoint.
func (h *LoopbackHub) Attach(agentID string) (*LoopbackTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.NewSubSystemError("transport", "attach", domain.ErrUnreachable, "hub closed")
	}
	if _, ok := h.agents[agentID]; ok {
		return nil, domain.NewSubSystemError("transport", "attach", domain.ErrDuplicate, "address "+agentID+" already attached")
	}
	t := &LoopbackTransport{
		hub:     h,
		agentID: agentID,
		inbox:   make(chan domain.Frame, 64),
	}
	h.agents[agentID] = t
	return t, nil
}

// Close shuts down every attached transport.
func (h *LoopbackHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, t := range h.agents {
		t.closeInbox()
		delete(h.agents, id)
	}
	return nil
}

func (h *LoopbackHub) detach(agentID string) {
	h.mu.Lock()
	delete(h.agents, agentID)
	h.mu.Unlock()
}

// LoopbackTransport is one agent's endpoint on a LoopbackHub.
type LoopbackTransport struct {
	hub     *LoopbackHub
	agentID string

	mu     sync.Mutex
	inbox  chan domain.Frame
	closed bool
}

// Send delivers payload to one attached agent. A full inbox drops the
// frame, matching at-most-once delivery.
func (t *LoopbackTransport) Send(ctx context.Context, destination string, payload []byte) error {
	t.hub.mu.RLock()
	dest, ok := t.hub.agents[destination]
	t.hub.mu.RUnlock()
	if !ok {
		return domain.NewSubSystemError("transport", "send", domain.ErrUnreachable, "no agent at "+destination)
	}
	dest.deliver(domain.Frame{Source: t.agentID, Payload: payload})
	return nil
}

// Broadcast delivers payload to every other attached agent.
func (t *LoopbackTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.hub.mu.RLock()
	targets := make([]*LoopbackTransport, 0, len(t.hub.agents))
	for id, dest := range t.hub.agents {
		if id == t.agentID {
			continue
		}
		targets = append(targets, dest)
	}
	t.hub.mu.RUnlock()

	for _, dest := range targets {
		dest.deliver(domain.Frame{Source: t.agentID, Payload: payload})
	}
	return nil
}

// Receive returns the inbound frame channel.
func (t *LoopbackTransport) Receive() <-chan domain.Frame {
	return t.inbox
}

// Close detaches this endpoint from the hub.
func (t *LoopbackTransport) Close() error {
	t.hub.detach(t.agentID)
	t.closeInbox()
	return nil
}

func (t *LoopbackTransport) deliver(frame domain.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.inbox <- frame:
	default:
	}
}

func (t *LoopbackTransport) closeInbox() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
}
