// Package config loads the agent's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Directory    DirectoryConfig    `yaml:"directory"`
	Status       StatusConfig       `yaml:"status"`
	Broker       BrokerConfig       `yaml:"broker"`
	Handler      HandlerConfig      `yaml:"handler"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Transport    TransportConfig    `yaml:"transport"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Security     SecurityConfig     `yaml:"security"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Audit        AuditConfig        `yaml:"audit"`
}

// SecurityConfig controls envelope signing and acceptance. The mesh secret
// itself never lives in the config file; SecretEnv names the environment
// variable that carries it.
type SecurityConfig struct {
	SecretEnv string `yaml:"secret_env"` // default OPENCLAW_MESH_SECRET
	MaxAge    string `yaml:"max_age"`    // envelope acceptance window (default 5m)
	Skew      string `yaml:"skew"`       // tolerated clock skew on future timestamps (default 30s)
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	ID       string            `yaml:"id"`   // {system}-{type}-{instance}, e.g. "openclaw-research-01"
	Type     string            `yaml:"type"` // research|generate|publish|orchestrator
	Capacity int               `yaml:"capacity"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// DirectoryConfig tunes the capability directory cache.
type DirectoryConfig struct {
	TTL               string  `yaml:"ttl"`                // record freshness window (default 90s)
	GracePeriod       string  `yaml:"grace_period"`       // retention past TTL for reputation continuity (default 5m)
	PurgeInterval     string  `yaml:"purge_interval"`     // sweep cadence (default 1m)
	ReputationAlpha   float64 `yaml:"reputation_alpha"`   // EWMA smoothing (default 0.3)
	InitialReputation float64 `yaml:"initial_reputation"` // neutral prior (default 0.5)
	LatencyNorm       string  `yaml:"latency_norm"`       // latency at which a success scores 0.5 (default 10s)
}

// StatusConfig tunes the status manager.
type StatusConfig struct {
	BroadcastInterval string `yaml:"broadcast_interval"` // default 30s
	ErrorThreshold    uint32 `yaml:"error_threshold"`    // consecutive failures before offline (default 5)
	BreakerTimeout    string `yaml:"breaker_timeout"`    // open-state hold before a recovery probe (default 60s)
}

// BrokerConfig tunes outbound request correlation.
type BrokerConfig struct {
	DefaultTimeout string `yaml:"default_timeout"` // default 30s
}

// HandlerConfig tunes inbound request admission.
type HandlerConfig struct {
	RequesterPerMinute int    `yaml:"requester_per_minute"` // per-requester token rate (default 120)
	RequesterBurst     int    `yaml:"requester_burst"`      // default 20
	DedupSize          int    `yaml:"dedup_size"`           // recently-seen request IDs kept (default 4096)
	DedupTTL           string `yaml:"dedup_ttl"`            // default 5m
	// ACL maps requester id to the skills it may call. The value "*"
	// allows all skills. An empty map allows every requester.
	ACL map[string][]string `yaml:"acl,omitempty"`
}

// OrchestratorConfig tunes workflow retry policy and run persistence.
type OrchestratorConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`    // default 3
	BaseDelay      string  `yaml:"base_delay"`      // default 500ms
	MaxDelay       string  `yaml:"max_delay"`       // default 30s
	Multiplier     float64 `yaml:"multiplier"`      // default 2.0
	StoreDir       string  `yaml:"store_dir"`       // empty = in-memory runs only
	EscalationPath string  `yaml:"escalation_path"` // JSONL journal; empty = log-only escalations
}

// TransportConfig selects the wire transport.
type TransportConfig struct {
	Kind     string `yaml:"kind"`      // "loopback", "redis", "websocket"
	RedisURL string `yaml:"redis_url"` // e.g. "redis://localhost:6379"
	WSURL    string `yaml:"ws_url"`    // websocket relay URL
	Prefix   string `yaml:"prefix"`    // channel namespace (default "openclaw")
}

// DiscoveryConfig controls LAN discovery.
// NOTE: mDNS also requires the binary to be built with the "mdns" tag;
// without it the noop advertiser is used.
type DiscoveryConfig struct {
	MDNS bool `yaml:"mdns"`
	Port int  `yaml:"port"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// AuditConfig controls the audit log sink.
type AuditConfig struct {
	Path    string `yaml:"path"` // empty = audit disabled
	MaxAge  string `yaml:"max_age"`
	MaxSize string `yaml:"max_size"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Capacity <= 0 {
		c.Agent.Capacity = 8
	}
	if c.Directory.ReputationAlpha <= 0 {
		c.Directory.ReputationAlpha = 0.3
	}
	if c.Directory.InitialReputation <= 0 {
		c.Directory.InitialReputation = 0.5
	}
	if c.Status.ErrorThreshold == 0 {
		c.Status.ErrorThreshold = 5
	}
	if c.Handler.RequesterPerMinute <= 0 {
		c.Handler.RequesterPerMinute = 120
	}
	if c.Handler.RequesterBurst <= 0 {
		c.Handler.RequesterBurst = 20
	}
	if c.Handler.DedupSize <= 0 {
		c.Handler.DedupSize = 4096
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		c.Orchestrator.MaxAttempts = 3
	}
	if c.Orchestrator.Multiplier <= 0 {
		c.Orchestrator.Multiplier = 2.0
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "loopback"
	}
	if c.Transport.Prefix == "" {
		c.Transport.Prefix = "openclaw"
	}
	if c.Security.SecretEnv == "" {
		c.Security.SecretEnv = "OPENCLAW_MESH_SECRET"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config: agent.id is required")
	}
	switch c.Agent.Type {
	case "research", "generate", "publish", "orchestrator":
	default:
		return fmt.Errorf("config: agent.type %q is not one of research|generate|publish|orchestrator", c.Agent.Type)
	}
	switch c.Transport.Kind {
	case "loopback", "redis", "websocket":
	default:
		return fmt.Errorf("config: transport.kind %q is not one of loopback|redis|websocket", c.Transport.Kind)
	}
	if c.Transport.Kind == "redis" && c.Transport.RedisURL == "" {
		return fmt.Errorf("config: transport.redis_url is required for the redis transport")
	}
	if c.Transport.Kind == "websocket" && c.Transport.WSURL == "" {
		return fmt.Errorf("config: transport.ws_url is required for the websocket transport")
	}
	if a := c.Directory.ReputationAlpha; a <= 0 || a > 1 {
		return fmt.Errorf("config: directory.reputation_alpha %v must be in (0,1]", a)
	}
	return nil
}

// ParseDurationOr parses a duration string, falling back to def when the
// field is empty or malformed.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
