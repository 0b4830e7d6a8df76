package main

import (
	"os"
	"path/filepath"
	"testing"

	"openclaw/internal/infra/config"
)

func TestCheckConfigFile(t *testing.T) {
	if res := checkConfigFile("openclaw.yaml", nil)(nil); res.Status != StatusPass {
		t.Fatalf("status = %s, want PASS", res.Status)
	}
	res := checkConfigFile("missing.yaml", os.ErrNotExist)(nil)
	if res.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL", res.Status)
	}
	if res.Fix == "" {
		t.Fatal("missing config should suggest a fix")
	}
}

func TestCheckMeshSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.SecretEnv = "OPENCLAW_DOCTOR_TEST_SECRET"

	os.Unsetenv("OPENCLAW_DOCTOR_TEST_SECRET")
	if res := checkMeshSecret(cfg); res.Status != StatusFail {
		t.Fatalf("status = %s, want FAIL without secret", res.Status)
	}

	t.Setenv("OPENCLAW_DOCTOR_TEST_SECRET", "shh")
	if res := checkMeshSecret(cfg); res.Status != StatusPass {
		t.Fatalf("status = %s, want PASS with secret", res.Status)
	}
}

func TestCheckTransport(t *testing.T) {
	cfg := &config.Config{}

	cfg.Transport.Kind = "loopback"
	if res := checkTransport(cfg); res.Status != StatusWarn {
		t.Fatalf("loopback status = %s, want WARN", res.Status)
	}

	cfg.Transport.Kind = "websocket"
	cfg.Transport.WSURL = "wss://relay.example.com/mesh"
	if res := checkTransport(cfg); res.Status != StatusPass {
		t.Fatalf("websocket status = %s, want PASS: %s", res.Status, res.Message)
	}

	cfg.Transport.WSURL = "http://not-a-ws-url"
	if res := checkTransport(cfg); res.Status != StatusFail {
		t.Fatalf("bad ws url status = %s, want FAIL", res.Status)
	}

	cfg.Transport.Kind = "redis"
	cfg.Transport.RedisURL = "not a url"
	if res := checkTransport(cfg); res.Status != StatusFail {
		t.Fatalf("bad redis url status = %s, want FAIL", res.Status)
	}
}

func TestCheckAuditPath(t *testing.T) {
	cfg := &config.Config{}
	if res := checkAuditPath(cfg); res.Status != StatusWarn {
		t.Fatalf("disabled audit status = %s, want WARN", res.Status)
	}

	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	if res := checkAuditPath(cfg); res.Status != StatusPass {
		t.Fatalf("writable audit status = %s, want PASS: %s", res.Status, res.Message)
	}
}
