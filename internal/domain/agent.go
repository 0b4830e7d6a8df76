package domain

import (
	"encoding/json"
	"time"
)

// AgentType classifies the role an agent plays in the mesh.
type AgentType string

const (
	AgentTypeResearch     AgentType = "research"
	AgentTypeGenerate     AgentType = "generate"
	AgentTypePublish      AgentType = "publish"
	AgentTypeOrchestrator AgentType = "orchestrator"
)

// AgentState is the operational status of an agent.
type AgentState string

const (
	StateAvailable AgentState = "available"
	StateBusy      AgentState = "busy"
	StateOffline   AgentState = "offline"
)

// AgentIdentity describes a single agent instance and the skills it exposes.
// The ID is immutable after creation and follows {system}-{type}-{instance},
// e.g. "openclaw-research-01". Status is mutated only by the status manager.
type AgentIdentity struct {
	ID           string            `json:"agent_id"`
	Type         AgentType         `json:"agent_type"`
	Capabilities []Capability      `json:"capabilities"`
	Status       AgentState        `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Capability advertises one skill: its name, schemas, and rate limit.
// A re-announce supersedes the previous capability set wholesale.
type Capability struct {
	SkillName    string          `json:"skill_name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	RateLimit    RateLimit       `json:"rate_limit"`
}

// RateLimit caps calls per rolling window. Zero MaxCalls means unlimited.
type RateLimit struct {
	MaxCalls int           `json:"max_calls" yaml:"max_calls"`
	Window   time.Duration `json:"window"    yaml:"window"`
}

// CapabilityRecord is a directory entry: a remote identity snapshot plus
// freshness and reputation bookkeeping. Records are owned by the observing
// agent's directory; there is no shared state across agents.
type CapabilityRecord struct {
	Identity   AgentIdentity `json:"identity"`
	LastSeen   time.Time     `json:"last_seen"`
	Reputation float64       `json:"reputation"`
	TTLExpiry  time.Time     `json:"ttl_expiry"`
}

// Expired reports whether the record has passed its TTL at the given instant.
func (r CapabilityRecord) Expired(now time.Time) bool {
	return now.After(r.TTLExpiry)
}

// HasSkill reports whether the identity advertises the named skill.
func (id AgentIdentity) HasSkill(name string) bool {
	for _, c := range id.Capabilities {
		if c.SkillName == name {
			return true
		}
	}
	return false
}

// CapabilityFilter selects directory records during discovery.
// The zero value matches every fresh, available record.
type CapabilityFilter struct {
	SkillName          string    `json:"skill_name,omitempty"`
	AgentType          AgentType `json:"agent_type,omitempty"`
	IncludeExpired     bool      `json:"include_expired,omitempty"`
	IncludeUnavailable bool      `json:"include_unavailable,omitempty"`
}

// Matches applies the filter's skill and type constraints to an identity.
// Freshness and status are the directory's concern, not the filter's.
func (f CapabilityFilter) Matches(id AgentIdentity) bool {
	if f.AgentType != "" && id.Type != f.AgentType {
		return false
	}
	if f.SkillName != "" && !id.HasSkill(f.SkillName) {
		return false
	}
	return true
}
