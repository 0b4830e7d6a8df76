package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"openclaw/internal/domain"
)

// JournalEscalator appends escalations to a JSONL file for human review.
// The journal is append-only; operators drain it with their own tooling.
type JournalEscalator struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJournalEscalator opens (or creates) the escalation journal.
func NewJournalEscalator(path string, logger *slog.Logger) (*JournalEscalator, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open escalation journal: %w", err)
	}
	return &JournalEscalator{file: f, logger: logger}, nil
}

func (j *JournalEscalator) Escalate(_ context.Context, esc domain.Escalation) error {
	line, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append escalation: %w", err)
	}
	j.logger.Warn("workflow escalated for human review",
		"run_id", esc.RunID,
		"workflow", esc.Workflow,
		"reason", esc.Reason,
	)
	return nil
}

func (j *JournalEscalator) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// LogEscalator surfaces escalations through the log only. It is the
// fallback when no journal path is configured; an escalation is still
// recorded somewhere a human will see.
type LogEscalator struct {
	Logger *slog.Logger
}

func (l LogEscalator) Escalate(_ context.Context, esc domain.Escalation) error {
	l.Logger.Warn("workflow escalated for human review",
		"run_id", esc.RunID,
		"workflow", esc.Workflow,
		"reason", esc.Reason,
		"branches", len(esc.Branches),
	)
	return nil
}
