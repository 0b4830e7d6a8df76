package domain

import (
	"encoding/json"
	"time"
)

// Priority orders competing service requests.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ServiceRequest asks a remote agent to run one skill. It is immutable once
// sent; RequestID is the correlation key and must be unique per requester for
// the lifetime of the request.
type ServiceRequest struct {
	RequestID     string          `json:"request_id"`
	RequesterID   string          `json:"requester_id"`
	TargetAgentID string          `json:"target_agent_id"`
	SkillName     string          `json:"skill_name"`
	Input         json.RawMessage `json:"input"`
	Priority      Priority        `json:"priority"`
	Timeout       time.Duration   `json:"timeout"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ResponseStatus is the outcome classification of a service request.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
	StatusTimeout ResponseStatus = "timeout"
)

// ServiceResponse is the single reply to a ServiceRequest. Error is set
// whenever Status is not success; a response never carries a bare failure
// without an explanation.
type ServiceResponse struct {
	RequestID     string          `json:"request_id"`
	RequesterID   string          `json:"requester_id"`
	TargetAgentID string          `json:"target_agent_id"`
	Status        ResponseStatus  `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
	Error         string          `json:"error,omitempty"`
}

// Outcome is the result of one local skill execution.
type Outcome struct {
	Status  ResponseStatus  `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Latency time.Duration   `json:"latency"`
}

// Health carries coarse resource signals alongside a status broadcast.
// CPUUsage and MemoryUsage are percentages, ErrorRate is a 0.0-1.0 ratio.
type Health struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	ErrorRate   float64 `json:"error_rate"`
}

// StatusSnapshot is a point-in-time view of an agent's load, broadcast on
// every state transition and on a fixed interval. CurrentOperations may
// exceed Capacity; over-capacity is a backpressure signal, not an error.
type StatusSnapshot struct {
	AgentID           string     `json:"agent_id"`
	Status            AgentState `json:"status"`
	CurrentOperations int        `json:"current_operations"`
	Capacity          int        `json:"capacity"`
	Health            Health     `json:"health"`
}
