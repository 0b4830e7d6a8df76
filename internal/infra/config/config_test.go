package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openclaw.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
agent:
  id: openclaw-research-01
  type: research
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.Capacity != 8 {
		t.Errorf("Capacity = %d, want 8", cfg.Agent.Capacity)
	}
	if cfg.Directory.ReputationAlpha != 0.3 {
		t.Errorf("ReputationAlpha = %v, want 0.3", cfg.Directory.ReputationAlpha)
	}
	if cfg.Status.ErrorThreshold != 5 {
		t.Errorf("ErrorThreshold = %d, want 5", cfg.Status.ErrorThreshold)
	}
	if cfg.Handler.RequesterPerMinute != 120 {
		t.Errorf("RequesterPerMinute = %d, want 120", cfg.Handler.RequesterPerMinute)
	}
	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Orchestrator.MaxAttempts)
	}
	if cfg.Transport.Kind != "loopback" {
		t.Errorf("Transport.Kind = %q, want loopback", cfg.Transport.Kind)
	}
	if cfg.Security.SecretEnv != "OPENCLAW_MESH_SECRET" {
		t.Errorf("SecretEnv = %q", cfg.Security.SecretEnv)
	}
	if cfg.Logger.Level != "info" || cfg.Logger.Format != "text" {
		t.Errorf("logger defaults = %q/%q", cfg.Logger.Level, cfg.Logger.Format)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
agent:
  id: openclaw-orchestrator-01
  type: orchestrator
  capacity: 16
  metadata:
    region: eu
directory:
  ttl: 2m
  reputation_alpha: 0.5
status:
  broadcast_interval: 10s
  error_threshold: 3
handler:
  requester_per_minute: 60
  acl:
    openclaw-research-01: ["summarize", "translate"]
orchestrator:
  max_attempts: 5
  store_dir: /tmp/openclaw-runs
transport:
  kind: redis
  redis_url: redis://localhost:6379/2
audit:
  path: /tmp/audit.jsonl
  max_age: 720h
  max_size: 100MB
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.Capacity != 16 || cfg.Agent.Metadata["region"] != "eu" {
		t.Errorf("agent section = %+v", cfg.Agent)
	}
	if cfg.Directory.TTL != "2m" || cfg.Directory.ReputationAlpha != 0.5 {
		t.Errorf("directory section = %+v", cfg.Directory)
	}
	if cfg.Status.ErrorThreshold != 3 {
		t.Errorf("status section = %+v", cfg.Status)
	}
	if got := cfg.Handler.ACL["openclaw-research-01"]; len(got) != 2 {
		t.Errorf("acl = %+v", cfg.Handler.ACL)
	}
	if cfg.Orchestrator.MaxAttempts != 5 {
		t.Errorf("orchestrator section = %+v", cfg.Orchestrator)
	}
	if cfg.Transport.RedisURL != "redis://localhost:6379/2" {
		t.Errorf("transport section = %+v", cfg.Transport)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing agent id", "agent:\n  type: research\n"},
		{"bad agent type", "agent:\n  id: a\n  type: wizard\n"},
		{"bad transport kind", "agent:\n  id: a\n  type: research\ntransport:\n  kind: carrier-pigeon\n"},
		{"redis without url", "agent:\n  id: a\n  type: research\ntransport:\n  kind: redis\n"},
		{"websocket without url", "agent:\n  id: a\n  type: research\ntransport:\n  kind: websocket\n"},
		{"alpha out of range", "agent:\n  id: a\n  type: research\ndirectory:\n  reputation_alpha: 1.5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationOr(t *testing.T) {
	cases := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"30s", time.Minute, 30 * time.Second},
		{"2h45m", 0, 2*time.Hour + 45*time.Minute},
		{"nonsense", time.Minute, time.Minute},
		{"-5s", time.Minute, time.Minute},
	}
	for _, tc := range cases {
		if got := ParseDurationOr(tc.in, tc.def); got != tc.want {
			t.Errorf("ParseDurationOr(%q, %v) = %v, want %v", tc.in, tc.def, got, tc.want)
		}
	}
}
