package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/validflow/types"
)

// MemoryStore keeps checkpoints in process memory. Suitable for tests and
// single-process runs without durability requirements.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Checkpoint
	byWorkflow map[string][]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Checkpoint),
		byWorkflow: make(map[string][]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[cp.ID]; exists {
		return types.NewErrorf(types.ErrCorruptCheckpoint, "checkpoint %s already exists", cp.ID)
	}
	if cp.CanResumeFrom {
		for _, id := range s.byWorkflow[cp.WorkflowID] {
			prev := s.byID[id]
			if prev.CanResumeFrom && prev.StepNumber >= cp.StepNumber {
				return types.NewErrorf(types.ErrCorruptCheckpoint,
					"resumable step %d not above existing step %d for workflow %s",
					cp.StepNumber, prev.StepNumber, cp.WorkflowID)
			}
		}
	}

	stored := *cp
	stored.StateData = append([]byte(nil), cp.StateData...)
	s.byID[cp.ID] = &stored
	s.byWorkflow[cp.WorkflowID] = append(s.byWorkflow[cp.WorkflowID], cp.ID)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	cp, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "checkpoint %s not found", id)
	}
	out := *cp
	out.StateData = append([]byte(nil), cp.StateData...)
	if err := out.Verify(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) Latest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	s.mu.RLock()
	var newest *Checkpoint
	for _, id := range s.byWorkflow[workflowID] {
		cp := s.byID[id]
		if !cp.CanResumeFrom {
			continue
		}
		if newest == nil || cp.StepNumber > newest.StepNumber {
			newest = cp
		}
	}
	s.mu.RUnlock()

	if newest == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "no resumable checkpoint for workflow %s", workflowID)
	}
	return s.Load(ctx, newest.ID)
}

func (s *MemoryStore) List(_ context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(s.byWorkflow[workflowID]))
	for _, id := range s.byWorkflow[workflowID] {
		cp := *s.byID[id]
		cp.StateData = append([]byte(nil), s.byID[id].StateData...)
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, workflowID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, id)
	ids := s.byWorkflow[workflowID]
	for i, existing := range ids {
		if existing == id {
			s.byWorkflow[workflowID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) DeleteForWorkflow(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byWorkflow[workflowID] {
		delete(s.byID, id)
	}
	delete(s.byWorkflow, workflowID)
	return nil
}
