package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"openclaw/internal/domain"
)

type captureEmitter struct {
	mu    sync.Mutex
	snaps []domain.StatusSnapshot
}

func (c *captureEmitter) emit(_ context.Context, snap domain.StatusSnapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, snap)
	c.mu.Unlock()
}

func (c *captureEmitter) states() []domain.AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.AgentState, len(c.snaps))
	for i, s := range c.snaps {
		out[i] = s.Status
	}
	return out
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *captureEmitter) {
	t.Helper()
	cap := &captureEmitter{}
	m := NewManager("agent-1", 4, cfg, cap.emit, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, cap
}

func TestManagerStartsOffline(t *testing.T) {
	m, cap := newTestManager(t, Config{})
	if got := m.State(); got != domain.StateOffline {
		t.Fatalf("initial state = %q, want offline", got)
	}
	// Offline agents stay silent on the interval tick.
	m.Broadcast(context.Background())
	if len(cap.states()) != 0 {
		t.Fatalf("offline broadcast emitted %d snapshots", len(cap.states()))
	}
}

func TestManagerAnnounceThenBusyCycle(t *testing.T) {
	m, cap := newTestManager(t, Config{})
	ctx := context.Background()

	m.Announce(ctx)
	if got := m.State(); got != domain.StateAvailable {
		t.Fatalf("state after announce = %q, want available", got)
	}

	m.Acquire(ctx)
	if got := m.State(); got != domain.StateBusy {
		t.Fatalf("state with one operation = %q, want busy", got)
	}
	m.Acquire(ctx)
	m.Release(ctx)
	if got := m.State(); got != domain.StateBusy {
		t.Fatalf("state with one remaining operation = %q, want busy", got)
	}
	m.Release(ctx)
	if got := m.State(); got != domain.StateAvailable {
		t.Fatalf("state with zero operations = %q, want available", got)
	}

	want := []domain.AgentState{
		domain.StateAvailable,
		domain.StateBusy,
		domain.StateAvailable,
	}
	got := cap.states()
	if len(got) != len(want) {
		t.Fatalf("broadcast count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("broadcast[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestManagerConsecutiveErrorsForceOffline(t *testing.T) {
	m, _ := newTestManager(t, Config{ErrorThreshold: 3})
	ctx := context.Background()
	m.Announce(ctx)

	execErr := errors.New("handler blew up")
	// A success in between resets the consecutive counter.
	m.RecordExecution("summarize", execErr)
	m.RecordExecution("summarize", execErr)
	m.RecordExecution("summarize", nil)
	m.RecordExecution("summarize", execErr)
	m.RecordExecution("summarize", execErr)
	if got := m.State(); got != domain.StateAvailable {
		t.Fatalf("state after interleaved errors = %q, want available", got)
	}
	m.RecordExecution("summarize", execErr)
	if got := m.State(); got != domain.StateOffline {
		t.Fatalf("state after three consecutive errors = %q, want offline", got)
	}
}

func TestManagerErrorThresholdTripsAndAnnounceRecovers(t *testing.T) {
	m, cap := newTestManager(t, Config{ErrorThreshold: 2})
	ctx := context.Background()
	m.Announce(ctx)

	execErr := errors.New("handler blew up")
	m.RecordExecution("summarize", execErr)
	if got := m.State(); got != domain.StateAvailable {
		t.Fatalf("state below threshold = %q, want available", got)
	}
	m.RecordExecution("summarize", execErr)
	if got := m.State(); got != domain.StateOffline {
		t.Fatalf("state at threshold = %q, want offline", got)
	}

	// Only an explicit re-announce ends offline, and the counter is re-armed.
	m.Announce(ctx)
	if got := m.State(); got != domain.StateAvailable {
		t.Fatalf("state after re-announce = %q, want available", got)
	}
	m.RecordExecution("summarize", execErr)
	if got := m.State(); got != domain.StateAvailable {
		t.Fatalf("state after one post-recovery error = %q, want available", got)
	}

	got := cap.states()
	if len(got) == 0 || got[len(got)-1] != domain.StateAvailable {
		t.Fatalf("broadcast trail = %v, want available last", got)
	}
}

func TestManagerShutdownIsTerminal(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()
	m.Announce(ctx)
	m.Acquire(ctx)
	m.Shutdown(ctx)
	if got := m.State(); got != domain.StateOffline {
		t.Fatalf("state after shutdown = %q, want offline", got)
	}
	// Releasing in-flight work must not resurrect the agent.
	m.Release(ctx)
	if got := m.State(); got != domain.StateOffline {
		t.Fatalf("state after release while offline = %q, want offline", got)
	}
}

func TestManagerSnapshotErrorRate(t *testing.T) {
	m, _ := newTestManager(t, Config{ErrorThreshold: 100})
	ctx := context.Background()
	m.Announce(ctx)
	m.SetHealth(0.25, 0.5)

	m.RecordExecution("summarize", nil)
	m.RecordExecution("summarize", nil)
	m.RecordExecution("summarize", errors.New("boom"))
	m.RecordExecution("summarize", nil)

	snap := m.Snapshot()
	if snap.AgentID != "agent-1" || snap.Capacity != 4 {
		t.Fatalf("snapshot identity = %+v", snap)
	}
	if snap.Health.CPUUsage != 0.25 || snap.Health.MemoryUsage != 0.5 {
		t.Fatalf("snapshot health = %+v", snap.Health)
	}
	if snap.Health.ErrorRate != 0.25 {
		t.Fatalf("error rate = %v, want 0.25", snap.Health.ErrorRate)
	}
}
