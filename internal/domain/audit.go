package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditSkillExec      AuditEventType = "skill_exec"
	AuditRequestIn      AuditEventType = "request_in"
	AuditRequestOut     AuditEventType = "request_out"
	AuditAccessDenied   AuditEventType = "access_denied"
	AuditAnnounce       AuditEventType = "announce"
	AuditStatusChange   AuditEventType = "status_change"
	AuditWorkflowStart  AuditEventType = "workflow_start"
	AuditWorkflowEnd    AuditEventType = "workflow_end"
	AuditEscalation     AuditEventType = "escalation"
	AuditProtocolReject AuditEventType = "protocol_reject"
)

// AuditEvent represents a single auditable action. Detail values must be
// pre-redacted; raw request inputs never appear here, only digests.
type AuditEvent struct {
	ID        string            `json:"id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger appends audit events to a persistent sink. Implementations are
// fire-and-forget from the caller's perspective: the core logs append
// failures but never blocks a request on audit acknowledgement.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
