package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Components normalize local failures onto these before
// crossing a boundary; nothing propagates as an unstructured error.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrUnreachable      = fmt.Errorf("target unreachable")
	ErrProtocol         = fmt.Errorf("protocol violation")
	ErrInternal         = fmt.Errorf("internal fault")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name (e.g. "Broker.Send")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g. "skill", "broker")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can resolve the sentinel + subsystem pair to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error. Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient: a retry with a fresh
// request ID may succeed. Validation, authorization, and protocol errors are
// permanent by definition.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeUnreachable      ErrorCode = "UNREACHABLE"
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeInternal         ErrorCode = "INTERNAL"

	// Subsystem-specific codes resolved via subSystemCodeMap.
	CodeSkillNotFound     ErrorCode = "SKILL_NOT_FOUND"
	CodeSkillDuplicate    ErrorCode = "SKILL_DUPLICATE"
	CodeSkillTimeout      ErrorCode = "SKILL_TIMEOUT"
	CodeSkillRateLimit    ErrorCode = "SKILL_RATE_LIMIT"
	CodeSchemaInvalid     ErrorCode = "SCHEMA_INVALID"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeBrokerTimeout     ErrorCode = "BROKER_TIMEOUT"
	CodeTransportDown     ErrorCode = "TRANSPORT_DOWN"
	CodeSignatureInvalid  ErrorCode = "SIGNATURE_INVALID"
	CodeEnvelopeMalformed ErrorCode = "ENVELOPE_MALFORMED"
	CodeEnvelopeExpired   ErrorCode = "ENVELOPE_EXPIRED"
	CodeNotAuthorized     ErrorCode = "NOT_AUTHORIZED"
	CodeWorkflowNotFound  ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowEscalated ErrorCode = "WORKFLOW_ESCALATED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrInvalidInput:     CodeInvalidInput,
	ErrRateLimit:        CodeRateLimit,
	ErrPermissionDenied: CodePermissionDenied,
	ErrUnreachable:      CodeUnreachable,
	ErrProtocol:         CodeProtocol,
	ErrInternal:         CodeInternal,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"skill":    CodeSkillNotFound,
		"agent":    CodeAgentNotFound,
		"workflow": CodeWorkflowNotFound,
	},
	ErrDuplicate: {
		"skill": CodeSkillDuplicate,
	},
	ErrTimeout: {
		"skill":  CodeSkillTimeout,
		"broker": CodeBrokerTimeout,
	},
	ErrRateLimit: {
		"skill": CodeSkillRateLimit,
	},
	ErrInvalidInput: {
		"schema": CodeSchemaInvalid,
	},
	ErrUnreachable: {
		"transport": CodeTransportDown,
	},
	ErrPermissionDenied: {
		"handler": CodeNotAuthorized,
	},
	ErrProtocol: {
		"signature": CodeSignatureInvalid,
		"envelope":  CodeEnvelopeMalformed,
		"expiry":    CodeEnvelopeExpired,
	},
	ErrInternal: {
		"workflow": CodeWorkflowEscalated,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError, preferring subsystem-specific codes, then falls
// back to walking the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel,
// resolved through the subsystem map when a subsystem is set.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
