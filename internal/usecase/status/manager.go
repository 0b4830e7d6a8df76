// Package status tracks this agent's operational state machine and
// publishes liveness snapshots to the mesh.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"openclaw/internal/domain"
)

// Emitter broadcasts one snapshot to the mesh. The manager calls it
// synchronously in transition order; implementations must bound their own
// blocking (the gateway sends with a deadline).
type Emitter func(ctx context.Context, snap domain.StatusSnapshot)

// Config tunes the status state machine.
type Config struct {
	BroadcastInterval time.Duration // unconditional broadcast cadence while not offline
	ErrorThreshold    uint32        // consecutive execution errors before forced offline
	BreakerTimeout    time.Duration // open-state hold; offline is still not self-healing
}

func (c *Config) applyDefaults() {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 30 * time.Second
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 60 * time.Second
	}
}

// Manager is the single writer of this agent's status. It starts offline;
// the first successful announce brings it available. Transitions:
// available<->busy follow the in-flight operation count, any state goes
// offline on shutdown or when the error breaker trips, and offline only
// ends through an explicit re-announce.
type Manager struct {
	agentID  string
	capacity int
	cfg      Config
	emit     Emitter
	bus      domain.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	state    domain.AgentState
	ops      int
	health   domain.Health
	totals   uint64
	failures uint64
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

// NewManager creates a status manager in the offline state.
func NewManager(agentID string, capacity int, cfg Config, emit Emitter, bus domain.EventBus, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if capacity <= 0 {
		capacity = 1
	}
	m := &Manager{
		agentID:  agentID,
		capacity: capacity,
		cfg:      cfg,
		emit:     emit,
		bus:      bus,
		logger:   logger,
		state:    domain.StateOffline,
	}
	m.breaker = m.newBreaker()
	return m
}

func (m *Manager) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "status:" + m.agentID,
		MaxRequests: 1,
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.ErrorThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("execution breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if to == gobreaker.StateOpen {
				m.forceOffline(context.Background(), "consecutive execution errors exceeded threshold")
			}
		},
	})
}

// State returns the current operational state.
func (m *Manager) State() domain.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot builds a point-in-time status snapshot.
func (m *Manager) Snapshot() domain.StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() domain.StatusSnapshot {
	h := m.health
	if m.totals > 0 {
		h.ErrorRate = float64(m.failures) / float64(m.totals)
	}
	return domain.StatusSnapshot{
		AgentID:           m.agentID,
		Status:            m.state,
		CurrentOperations: m.ops,
		Capacity:          m.capacity,
		Health:            h,
	}
}

// SetHealth records externally-probed resource usage for future snapshots.
func (m *Manager) SetHealth(cpu, memory float64) {
	m.mu.Lock()
	m.health.CPUUsage = cpu
	m.health.MemoryUsage = memory
	m.mu.Unlock()
}

// Acquire marks one operation in flight. Crossing 0 -> 1 moves an available
// agent to busy. Over-capacity is allowed; it is backpressure, not an error.
func (m *Manager) Acquire(ctx context.Context) {
	m.mu.Lock()
	m.ops++
	if m.state == domain.StateAvailable && m.ops > 0 {
		m.transitionLocked(ctx, domain.StateBusy)
	}
	m.mu.Unlock()
}

// Release marks one operation finished. Returning to 0 moves a busy agent
// back to available.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	if m.ops > 0 {
		m.ops--
	}
	if m.state == domain.StateBusy && m.ops == 0 {
		m.transitionLocked(ctx, domain.StateAvailable)
	}
	m.mu.Unlock()
}

// RecordExecution feeds one skill execution outcome into the failure
// breaker. Enough consecutive errors force the agent offline.
func (m *Manager) RecordExecution(skillName string, err error) {
	m.mu.Lock()
	m.totals++
	if err != nil {
		m.failures++
	}
	m.mu.Unlock()

	// The breaker counts consecutive failures; once open it rejects calls,
	// which is fine because the agent is already offline by then.
	_, _ = m.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, err
	})
}

// Announce moves the agent out of offline. This is the only path back from
// offline; the error breaker is re-armed.
func (m *Manager) Announce(ctx context.Context) {
	m.mu.Lock()
	if m.state == domain.StateOffline {
		m.breaker = m.newBreaker()
		m.failures = 0
		m.totals = 0
		next := domain.StateAvailable
		if m.ops > 0 {
			next = domain.StateBusy
		}
		m.transitionLocked(ctx, next)
	}
	m.mu.Unlock()
}

// Shutdown moves the agent offline for good. Offline is terminal until an
// explicit re-announce after recovery.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.state != domain.StateOffline {
		m.transitionLocked(ctx, domain.StateOffline)
	}
	m.mu.Unlock()
}

func (m *Manager) forceOffline(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state != domain.StateOffline {
		m.logger.Error("agent forced offline", "agent_id", m.agentID, "reason", reason)
		m.transitionLocked(ctx, domain.StateOffline)
	}
	m.mu.Unlock()
}

// Broadcast emits an unconditional snapshot. The scheduler calls this every
// BroadcastInterval; offline agents stay silent.
func (m *Manager) Broadcast(ctx context.Context) {
	m.mu.Lock()
	if m.state == domain.StateOffline {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	m.emitLocked(ctx, snap, domain.EventStatusBroadcast)
	m.mu.Unlock()
}

// transitionLocked changes state and broadcasts immediately. Emitting under
// the lock keeps snapshots on the wire in transition order.
func (m *Manager) transitionLocked(ctx context.Context, next domain.AgentState) {
	prev := m.state
	m.state = next
	snap := m.snapshotLocked()

	m.logger.Info("status transition",
		"agent_id", m.agentID,
		"from", string(prev),
		"to", string(next),
		"operations", m.ops,
	)
	m.emitLocked(ctx, snap, domain.EventStatusChanged)
}

func (m *Manager) emitLocked(ctx context.Context, snap domain.StatusSnapshot, event domain.EventType) {
	if m.emit != nil {
		m.emit(ctx, snap)
	}
	if m.bus != nil {
		payload, _ := json.Marshal(snap)
		m.bus.Publish(ctx, domain.Event{
			Type:      event,
			Timestamp: time.Now(),
			AgentID:   m.agentID,
			Payload:   payload,
		})
	}
}
