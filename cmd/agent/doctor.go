package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"openclaw/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Mesh secret", Fn: checkMeshSecret},
		{Name: "Transport", Fn: checkTransport},
		{Name: "Audit log", Fn: checkAuditPath},
		{Name: "Workflow store", Fn: checkStoreDir},
	}

	fmt.Println("openclaw doctor")
	fmt.Println()

	failed := 0
	for _, c := range checks {
		var res CheckResult
		if cfg == nil && c.Name != "Config file" {
			res = CheckResult{Status: StatusWarn, Message: "skipped: config did not load"}
		} else {
			res = c.Fn(cfg)
		}
		fmt.Printf("  [%s] %-16s %s\n", res.Status, c.Name, res.Message)
		if res.Fix != "" {
			fmt.Printf("         %-16s fix: %s\n", "", res.Fix)
		}
		if res.Status == StatusFail {
			failed++
		}
	}

	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("all checks passed")
	return nil
}

func checkConfigFile(path string, loadErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if loadErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: loadErr.Error(),
				Fix:     fmt.Sprintf("create %s or point OPENCLAW_CONFIG at a valid config", path),
			}
		}
		return CheckResult{Status: StatusPass, Message: path}
	}
}

func checkMeshSecret(cfg *config.Config) CheckResult {
	if os.Getenv(cfg.Security.SecretEnv) == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not set", cfg.Security.SecretEnv),
			Fix:     "export the shared mesh signing secret before starting the agent",
		}
	}
	return CheckResult{Status: StatusPass, Message: "secret present"}
}

func checkTransport(cfg *config.Config) CheckResult {
	switch cfg.Transport.Kind {
	case "loopback":
		return CheckResult{
			Status:  StatusWarn,
			Message: "loopback transport only reaches agents in this process",
		}
	case "redis":
		opts, err := redis.ParseURL(cfg.Transport.RedisURL)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error()}
		}
		client := redis.NewClient(opts)
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("redis unreachable: %v", err),
				Fix:     "check transport.redis_url and that redis is running",
			}
		}
		return CheckResult{Status: StatusPass, Message: opts.Addr}
	case "websocket":
		u, err := url.Parse(cfg.Transport.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("transport.ws_url %q is not a ws:// or wss:// URL", cfg.Transport.WSURL),
			}
		}
		return CheckResult{Status: StatusPass, Message: u.Host}
	default:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("unknown kind %q", cfg.Transport.Kind)}
	}
}

func checkAuditPath(cfg *config.Config) CheckResult {
	if cfg.Audit.Path == "" {
		return CheckResult{Status: StatusWarn, Message: "audit disabled (audit.path empty)"}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("audit dir: %v", err)}
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("audit dir not writable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Status: StatusPass, Message: cfg.Audit.Path}
}

func checkStoreDir(cfg *config.Config) CheckResult {
	if cfg.Agent.Type != "orchestrator" {
		return CheckResult{Status: StatusPass, Message: "not an orchestrator"}
	}
	if cfg.Orchestrator.StoreDir == "" {
		return CheckResult{Status: StatusWarn, Message: "runs are in-memory only (orchestrator.store_dir empty)"}
	}
	if err := os.MkdirAll(cfg.Orchestrator.StoreDir, 0700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("store dir: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Orchestrator.StoreDir}
}
