package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"openclaw/internal/adapter/discovery"
	"openclaw/internal/adapter/gateway"
	"openclaw/internal/adapter/transport"
	"openclaw/internal/domain"
	"openclaw/internal/infra/config"
	"openclaw/internal/infra/logger"
	"openclaw/internal/infra/tracer"
	"openclaw/internal/security"
	"openclaw/internal/usecase/broker"
	"openclaw/internal/usecase/directory"
	"openclaw/internal/usecase/eventbus"
	"openclaw/internal/usecase/handler"
	"openclaw/internal/usecase/orchestrator"
	"openclaw/internal/usecase/runtime"
	"openclaw/internal/usecase/scheduling"
	"openclaw/internal/usecase/skill"
	"openclaw/internal/usecase/status"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "relay":
		if err := runRelay(); err != nil {
			fmt.Fprintf(os.Stderr, "relay: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'openclaw --help' for usage.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Print(`openclaw - agent mesh node

Usage:
  openclaw            run the agent (default)
  openclaw relay      run a websocket relay for the mesh
  openclaw doctor     check configuration and environment
  openclaw --help     show this help

Environment:
  OPENCLAW_CONFIG       config file path (default openclaw.yaml)
  OPENCLAW_MESH_SECRET  shared mesh signing secret (or security.secret_env)
`)
}

func configPath() string {
	if p := os.Getenv("OPENCLAW_CONFIG"); p != "" {
		return p
	}
	return "openclaw.yaml"
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var audit domain.AuditLogger
	var fileAudit *security.FileAuditLogger
	if cfg.Audit.Path != "" {
		fileAudit, err = security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer fileAudit.Close()
		audit = fileAudit
	}

	secret := os.Getenv(cfg.Security.SecretEnv)
	if secret == "" {
		return fmt.Errorf("mesh secret missing: set %s", cfg.Security.SecretEnv)
	}
	signer, err := security.NewHMACSigner(secret)
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		MaxAge: config.ParseDurationOr(cfg.Security.MaxAge, 5*time.Minute),
		Skew:   config.ParseDurationOr(cfg.Security.Skew, 30*time.Second),
	}, signer, signer, log)
	if err != nil {
		return err
	}

	tr, err := buildTransport(ctx, cfg, log)
	if err != nil {
		return err
	}

	bus := eventbus.New(log)
	registry := skill.NewRegistry(log)
	registerBuiltins(registry)

	dir := directory.New(directory.Config{
		TTL:               config.ParseDurationOr(cfg.Directory.TTL, 90*time.Second),
		GracePeriod:       config.ParseDurationOr(cfg.Directory.GracePeriod, 5*time.Minute),
		ReputationAlpha:   cfg.Directory.ReputationAlpha,
		InitialReputation: cfg.Directory.InitialReputation,
		LatencyNorm:       config.ParseDurationOr(cfg.Directory.LatencyNorm, 10*time.Second),
	}, bus, log)

	st := status.NewManager(cfg.Agent.ID, cfg.Agent.Capacity, status.Config{
		BroadcastInterval: config.ParseDurationOr(cfg.Status.BroadcastInterval, 30*time.Second),
		ErrorThreshold:    cfg.Status.ErrorThreshold,
		BreakerTimeout:    config.ParseDurationOr(cfg.Status.BreakerTimeout, time.Minute),
	}, runtime.NewStatusEmitter(cfg.Agent.ID, gw, tr, log), bus, log)

	executor := skill.NewExecutor(registry, audit, log, st.RecordExecution)

	brk := broker.New(cfg.Agent.ID, broker.Config{
		DefaultTimeout: config.ParseDurationOr(cfg.Broker.DefaultTimeout, 30*time.Second),
	}, runtime.NewSender(cfg.Agent.ID, gw, tr), dir, bus, log)

	var policy domain.AuthorizationPolicy = security.AllowAllPolicy{}
	if len(cfg.Handler.ACL) > 0 {
		policy = security.NewAllowlistPolicy(cfg.Handler.ACL)
	}

	hnd := handler.New(cfg.Agent.ID, handler.Config{
		RequesterRate:  perMinute(cfg.Handler.RequesterPerMinute),
		RequesterBurst: cfg.Handler.RequesterBurst,
		DedupSize:      cfg.Handler.DedupSize,
		DedupTTL:       config.ParseDurationOr(cfg.Handler.DedupTTL, 5*time.Minute),
	}, executor, policy, st, audit, bus, log)

	rt := runtime.New(runtime.Options{
		Identity: domain.AgentIdentity{
			ID:       cfg.Agent.ID,
			Type:     domain.AgentType(cfg.Agent.Type),
			Metadata: cfg.Agent.Metadata,
		},
		Registry:  registry,
		Directory: dir,
		Status:    st,
		Broker:    brk,
		Handler:   hnd,
		Gateway:   gw,
		Transport: tr,
		Audit:     audit,
		Logger:    log,
	})

	if cfg.Agent.Type == "orchestrator" {
		orch, err := buildOrchestrator(cfg, brk, dir, audit, bus, log)
		if err != nil {
			return err
		}
		if err := registry.Register(orchestrator.RunSkill(orch)); err != nil {
			return err
		}
	}

	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionStatusBroadcast, func(ctx context.Context) error {
		st.Broadcast(ctx)
		return nil
	})
	sched.RegisterAction(scheduling.ActionDirectoryPurge, func(context.Context) error {
		if n := dir.Purge(); n > 0 {
			log.Debug("directory purged", "removed", n)
		}
		return nil
	})
	tasks := []scheduling.ScheduledTask{
		{Name: "status-broadcast", Schedule: orDefault(cfg.Status.BroadcastInterval, "30s"), Action: scheduling.ActionStatusBroadcast},
		{Name: "directory-purge", Schedule: orDefault(cfg.Directory.PurgeInterval, "1m"), Action: scheduling.ActionDirectoryPurge},
	}
	if fileAudit != nil {
		maxSize, err := security.ParseRetentionMaxSize(cfg.Audit.MaxSize)
		if err != nil {
			return err
		}
		fileAudit.SetRetention(security.RetentionPolicy{
			MaxAge:  config.ParseDurationOr(cfg.Audit.MaxAge, 0),
			MaxSize: maxSize,
		})
		sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			removed, err := fileAudit.EnforceRetention(ctx)
			if removed > 0 {
				log.Debug("audit retention enforced", "removed", removed)
			}
			return err
		})
		tasks = append(tasks, scheduling.ScheduledTask{
			Name: "audit-retention", Schedule: "1h", Action: scheduling.ActionAuditRetention,
		})
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			return err
		}
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if cfg.Discovery.MDNS {
		go advertise(ctx, cfg, log)
	}

	log.Info("openclaw agent running",
		"agent_id", cfg.Agent.ID,
		"agent_type", cfg.Agent.Type,
		"transport", cfg.Transport.Kind,
	)

	<-ctx.Done()
	log.Info("shutting down")

	if err := sched.Stop(); err != nil {
		log.Warn("scheduler stop failed", "error", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Stop(stopCtx)
	return nil
}

// registerBuiltins installs the diagnostic skills every agent serves.
func registerBuiltins(registry *skill.Registry) {
	// Ping has a fixed, known-good schema, so registration cannot fail.
	_ = registry.Register(skill.PingSpec())
}

func buildTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.Transport, error) {
	switch cfg.Transport.Kind {
	case "loopback":
		hub := transport.NewLoopbackHub()
		return hub.Attach(cfg.Agent.ID)
	case "redis":
		opts, err := redis.ParseURL(cfg.Transport.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return transport.NewRedisTransport(ctx, opts.Addr, opts.Password, opts.DB, cfg.Transport.Prefix, cfg.Agent.ID, log)
	case "websocket":
		return transport.DialWebSocket(ctx, cfg.Transport.WSURL, cfg.Agent.ID, log)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func buildOrchestrator(cfg *config.Config, brk *broker.Broker, dir *directory.Directory, audit domain.AuditLogger, bus domain.EventBus, log *slog.Logger) (*orchestrator.Orchestrator, error) {
	var store domain.RunStore
	if cfg.Orchestrator.StoreDir != "" {
		fs, err := orchestrator.NewFileStore(cfg.Orchestrator.StoreDir)
		if err != nil {
			return nil, err
		}
		store = fs
	} else {
		store = orchestrator.NewMemoryStore()
	}

	var escalator domain.Escalator = orchestrator.LogEscalator{Logger: log}
	if cfg.Orchestrator.EscalationPath != "" {
		je, err := orchestrator.NewJournalEscalator(cfg.Orchestrator.EscalationPath, log)
		if err != nil {
			return nil, err
		}
		escalator = je
	}

	policy := orchestrator.RetryPolicy{
		BaseDelay:   config.ParseDurationOr(cfg.Orchestrator.BaseDelay, 500*time.Millisecond),
		MaxDelay:    config.ParseDurationOr(cfg.Orchestrator.MaxDelay, 30*time.Second),
		Multiplier:  cfg.Orchestrator.Multiplier,
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
	}
	return orchestrator.New(cfg.Agent.ID, policy, brk, dir, store, escalator, audit, bus, log), nil
}

func advertise(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	d := discovery.New(log)
	err := d.Advertise(ctx, cfg.Agent.ID, cfg.Discovery.Port, cfg.Agent.Metadata)
	if err != nil && ctx.Err() == nil {
		log.Warn("discovery advertise failed", "error", err)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}
