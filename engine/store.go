package engine

import (
	"context"
	"sync"

	"github.com/BaSui01/validflow/checkpoint"
	"github.com/BaSui01/validflow/types"
)

// Repository persists workflows and their checkpoints. SaveCheckpointWithStep
// must commit the checkpoint and the workflow's step update atomically;
// implementations that cannot guarantee atomicity report PartialCheckpoint
// instead of committing half the pair.
type Repository interface {
	checkpoint.Store

	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	// DeleteWorkflow removes the workflow and cascades to its checkpoints.
	DeleteWorkflow(ctx context.Context, id string) error
	SaveCheckpointWithStep(ctx context.Context, wf *Workflow, cp *checkpoint.Checkpoint) error
}

// MemoryRepository is the in-process Repository used by tests and runs
// without a durable backend.
type MemoryRepository struct {
	*checkpoint.MemoryStore

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		MemoryStore: checkpoint.NewMemoryStore(),
		workflows:   make(map[string]*Workflow),
	}
}

func (r *MemoryRepository) SaveWorkflow(_ context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf.Clone()
	return nil
}

func (r *MemoryRepository) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrWorkflowNotFound, "workflow %s not found", id)
	}
	return wf.Clone(), nil
}

func (r *MemoryRepository) ListWorkflows(_ context.Context) ([]*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf.Clone())
	}
	return out, nil
}

func (r *MemoryRepository) DeleteWorkflow(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.workflows, id)
	r.mu.Unlock()
	return r.MemoryStore.DeleteForWorkflow(ctx, id)
}

// SaveCheckpointWithStep writes the checkpoint first and only then the
// workflow row, so a failed checkpoint write never advances the step.
func (r *MemoryRepository) SaveCheckpointWithStep(ctx context.Context, wf *Workflow, cp *checkpoint.Checkpoint) error {
	if err := r.MemoryStore.Save(ctx, cp); err != nil {
		return err
	}
	return r.SaveWorkflow(ctx, wf)
}
