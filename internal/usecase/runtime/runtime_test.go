package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"openclaw/internal/adapter/gateway"
	"openclaw/internal/adapter/transport"
	"openclaw/internal/domain"
	"openclaw/internal/security"
	"openclaw/internal/usecase/broker"
	"openclaw/internal/usecase/directory"
	"openclaw/internal/usecase/eventbus"
	"openclaw/internal/usecase/handler"
	"openclaw/internal/usecase/skill"
	"openclaw/internal/usecase/status"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAgent struct {
	rt        *Runtime
	directory *directory.Directory
	broker    *broker.Broker
	status    *status.Manager
	bus       *eventbus.Bus
}

// newTestAgent builds a full agent over the shared hub. All agents share
// the mesh secret so their envelopes verify against each other.
func newTestAgent(t *testing.T, hub *transport.LoopbackHub, id string, skills ...domain.SkillSpec) *testAgent {
	t.Helper()
	logger := discardLogger()
	signer, err := security.NewHMACSigner("runtime-test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	gw, err := gateway.New(gateway.Config{}, signer, signer, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	tr, err := hub.Attach(id)
	if err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}

	registry := skill.NewRegistry(logger)
	for _, spec := range skills {
		if err := registry.Register(spec); err != nil {
			t.Fatalf("register %s: %v", spec.Name, err)
		}
	}

	bus := eventbus.New(logger)
	dir := directory.New(directory.Config{}, bus, logger)
	st := status.NewManager(id, 4, status.Config{}, NewStatusEmitter(id, gw, tr, logger), bus, logger)
	executor := skill.NewExecutor(registry, nil, logger, st.RecordExecution)
	brk := broker.New(id, broker.Config{}, NewSender(id, gw, tr), dir, bus, logger)
	hnd := handler.New(id, handler.Config{}, executor, security.AllowAllPolicy{}, st, nil, bus, logger)

	rt := New(Options{
		Identity:  domain.AgentIdentity{ID: id, Type: domain.AgentTypeResearch},
		Registry:  registry,
		Directory: dir,
		Status:    st,
		Broker:    brk,
		Handler:   hnd,
		Gateway:   gw,
		Transport: tr,
		Logger:    logger,
	})
	return &testAgent{rt: rt, directory: dir, broker: brk, status: st, bus: bus}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func echoSkill() domain.SkillSpec {
	return domain.SkillSpec{
		Name:        "echo",
		Description: "returns its input",
		Handler: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	}
}

func TestRequestResponseAcrossAgents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewLoopbackHub()
	defer hub.Close()

	requester := newTestAgent(t, hub, "agent-a")
	responder := newTestAgent(t, hub, "agent-b", echoSkill())

	if err := requester.rt.Start(ctx); err != nil {
		t.Fatalf("start requester: %v", err)
	}
	if err := responder.rt.Start(ctx); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer requester.rt.Stop(ctx)
	defer responder.rt.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return len(requester.directory.Lookup(domain.CapabilityFilter{SkillName: "echo"})) == 1
	}, "responder announce to reach requester")

	input := json.RawMessage(`{"msg":"ping"}`)
	resp, err := requester.broker.Send(ctx, "agent-b", "echo", input, domain.PriorityNormal, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status != domain.StatusSuccess {
		t.Fatalf("status = %s (%s), want success", resp.Status, resp.Error)
	}
	if string(resp.Output) != string(input) {
		t.Fatalf("output = %s, want %s", resp.Output, input)
	}
}

func TestUnknownSkillFailsStructured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewLoopbackHub()
	defer hub.Close()

	requester := newTestAgent(t, hub, "agent-a")
	responder := newTestAgent(t, hub, "agent-b", echoSkill())
	for _, a := range []*testAgent{requester, responder} {
		if err := a.rt.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer a.rt.Stop(ctx)
	}

	resp, err := requester.broker.Send(ctx, "agent-b", "no-such-skill", nil, domain.PriorityNormal, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status != domain.StatusFailure {
		t.Fatalf("status = %s, want failure", resp.Status)
	}
	if resp.Error == "" {
		t.Fatal("failure response must carry an error")
	}
}

func TestDiscoverPopulatesLateJoiner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewLoopbackHub()
	defer hub.Close()

	early := newTestAgent(t, hub, "agent-early", echoSkill())
	if err := early.rt.Start(ctx); err != nil {
		t.Fatalf("start early: %v", err)
	}
	defer early.rt.Stop(ctx)

	// The late joiner missed the early agent's announce broadcast.
	late := newTestAgent(t, hub, "agent-late")
	if err := late.rt.Start(ctx); err != nil {
		t.Fatalf("start late: %v", err)
	}
	defer late.rt.Stop(ctx)

	if got := late.directory.Lookup(domain.CapabilityFilter{SkillName: "echo"}); len(got) != 0 {
		t.Fatalf("late joiner should start empty, got %d records", len(got))
	}

	if err := late.rt.Discover(ctx, domain.CapabilityFilter{SkillName: "echo"}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(late.directory.Lookup(domain.CapabilityFilter{SkillName: "echo"})) == 1
	}, "discover response to merge")
}

func TestShutdownBroadcastsOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewLoopbackHub()
	defer hub.Close()

	watcher := newTestAgent(t, hub, "agent-a")
	leaver := newTestAgent(t, hub, "agent-b", echoSkill())
	if err := watcher.rt.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.rt.Stop(ctx)
	if err := leaver.rt.Start(ctx); err != nil {
		t.Fatalf("start leaver: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(watcher.directory.Lookup(domain.CapabilityFilter{SkillName: "echo"})) == 1
	}, "leaver to be visible")

	leaver.rt.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return len(watcher.directory.Lookup(domain.CapabilityFilter{SkillName: "echo"})) == 0
	}, "offline status to remove leaver from lookups")
}

func TestForeignIdentityAnnounceDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewLoopbackHub()
	defer hub.Close()

	victim := newTestAgent(t, hub, "agent-a")
	if err := victim.rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer victim.rt.Stop(ctx)

	// A peer that signs correctly but announces someone else's identity.
	logger := discardLogger()
	signer, err := security.NewHMACSigner("runtime-test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	gw, err := gateway.New(gateway.Config{}, signer, signer, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	tr, err := hub.Attach("agent-spoofer")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	raw, err := gw.Encode("agent-spoofer", gateway.Announce{
		Identity: domain.AgentIdentity{
			ID:           "agent-innocent",
			Type:         domain.AgentTypeResearch,
			Capabilities: []domain.Capability{{SkillName: "echo"}},
			Status:       domain.StateAvailable,
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := tr.Send(ctx, "agent-a", raw); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := victim.directory.Get("agent-innocent"); err == nil {
		t.Fatal("spoofed announce must not enter the directory")
	}
}

func TestForgedResponseDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewLoopbackHub()
	defer hub.Close()

	slow := domain.SkillSpec{
		Name:        "slow-echo",
		Description: "echoes after a delay",
		Handler: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			select {
			case <-time.After(400 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.RawMessage(`{"src":"real"}`), nil
		},
	}

	requester := newTestAgent(t, hub, "agent-a")
	responder := newTestAgent(t, hub, "agent-b", slow)
	for _, a := range []*testAgent{requester, responder} {
		if err := a.rt.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer a.rt.Stop(ctx)
	}

	// Capture the request id the moment it goes out so the interloper can
	// race the real responder with a forged answer.
	dispatched := make(chan string, 1)
	requester.bus.Subscribe(domain.EventRequestDispatched, func(_ context.Context, e domain.Event) {
		var payload map[string]string
		if err := json.Unmarshal(e.Payload, &payload); err == nil {
			select {
			case dispatched <- payload["request_id"]:
			default:
			}
		}
	})

	type result struct {
		resp *domain.ServiceResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := requester.broker.Send(ctx, "agent-b", "slow-echo", nil, domain.PriorityNormal, 2*time.Second)
		done <- result{resp, err}
	}()

	var requestID string
	select {
	case requestID = <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("request was never dispatched")
	}

	// A correctly signed peer answers on the real responder's behalf.
	signer, err := security.NewHMACSigner("runtime-test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	gw, err := gateway.New(gateway.Config{}, signer, signer, discardLogger())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	tr, err := hub.Attach("agent-spoofer")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	raw, err := gw.Encode("agent-spoofer", gateway.RequestResponse{
		Response: domain.ServiceResponse{
			RequestID:     requestID,
			RequesterID:   "agent-a",
			TargetAgentID: "agent-b",
			Status:        domain.StatusSuccess,
			Output:        json.RawMessage(`{"src":"forged"}`),
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := tr.Send(ctx, "agent-a", raw); err != nil {
		t.Fatalf("send: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("send: %v", res.err)
	}
	if string(res.resp.Output) != `{"src":"real"}` {
		t.Fatalf("output = %s, want the real responder's output", res.resp.Output)
	}
}
