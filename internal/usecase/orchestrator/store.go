package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"openclaw/internal/domain"
)

const maxStoredRuns = 200

// MemoryStore keeps workflow runs in memory. Used by tests and ephemeral
// agents that do not need runs to survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]domain.WorkflowRun
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]domain.WorkflowRun)}
}

func (s *MemoryStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "store.get", domain.ErrNotFound, "run "+id)
	}
	return &run, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortRuns(s.runs, limit), nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return domain.NewSubSystemError("workflow", "store.delete", domain.ErrNotFound, "run "+id)
	}
	delete(s.runs, id)
	return nil
}

// FileStore implements domain.RunStore with JSON file persistence so
// escalated workflows survive a restart and stay listable for review.
type FileStore struct {
	dir  string
	mu   sync.RWMutex
	runs map[string]domain.WorkflowRun
}

// NewFileStore creates a file-backed run store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("runstore: create dir: %w", err)
	}
	s := &FileStore{
		dir:  dir,
		runs: make(map[string]domain.WorkflowRun),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("runstore: load: %w", err)
	}
	return s, nil
}

func (s *FileStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	if len(s.runs) > maxStoredRuns {
		s.evictSettled()
	}
	return s.persist()
}

func (s *FileStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "store.get", domain.ErrNotFound, "run "+id)
	}
	return &run, nil
}

func (s *FileStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortRuns(s.runs, limit), nil
}

func (s *FileStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return domain.NewSubSystemError("workflow", "store.delete", domain.ErrNotFound, "run "+id)
	}
	delete(s.runs, id)
	return s.persist()
}

// ListEscalated returns runs awaiting human review, newest first.
func (s *FileStore) ListEscalated(_ context.Context) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	escalated := make(map[string]domain.WorkflowRun)
	for id, r := range s.runs {
		if r.Status == domain.WorkflowEscalated {
			escalated[id] = r
		}
	}
	return sortRuns(escalated, 0), nil
}

func (s *FileStore) runsPath() string {
	return filepath.Join(s.dir, "workflow_runs.json")
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.runsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var runs []domain.WorkflowRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse workflow_runs.json: %w", err)
	}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return nil
}

func (s *FileStore) persist() error {
	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := s.runsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, s.runsPath())
}

// evictSettled removes the oldest settled runs until the store fits.
// Escalated runs are never evicted; they are waiting on a human.
func (s *FileStore) evictSettled() {
	type entry struct {
		id  string
		run domain.WorkflowRun
	}
	var candidates []entry
	for id, r := range s.runs {
		if r.Status == domain.WorkflowCompleted || r.Status == domain.WorkflowFailed {
			candidates = append(candidates, entry{id, r})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].run.CreatedAt.Before(candidates[j].run.CreatedAt)
	})
	for _, c := range candidates {
		if len(s.runs) <= maxStoredRuns {
			break
		}
		delete(s.runs, c.id)
	}
}

func sortRuns(runs map[string]domain.WorkflowRun, limit int) []domain.WorkflowRun {
	out := make([]domain.WorkflowRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt) // newest first
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
