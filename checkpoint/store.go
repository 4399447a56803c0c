package checkpoint

import (
	"context"
)

// Store persists checkpoints. Implementations must verify the integrity
// digest on every read and never return a checkpoint that fails
// verification.
//
// Step numbers among a workflow's resumable checkpoints are strictly
// increasing; non-resumable snapshots may share a step number with the
// boundary checkpoint they were taken after.
type Store interface {
	// Save persists one checkpoint. Saving a resumable checkpoint whose
	// step number does not exceed the workflow's highest resumable step is
	// rejected.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load fetches a checkpoint by id, verifying its digest. A missing id
	// yields NotFound; a digest mismatch yields CorruptCheckpoint.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Latest returns the workflow's most recent resumable checkpoint, or
	// NotFound when none exists. A newest entry that fails verification
	// yields CorruptCheckpoint; falling back to an older checkpoint is the
	// caller's decision, not the store's.
	Latest(ctx context.Context, workflowID string) (*Checkpoint, error)

	// List returns all of the workflow's checkpoints ordered oldest first.
	List(ctx context.Context, workflowID string) ([]*Checkpoint, error)

	// Delete removes a single checkpoint from the workflow's set, freeing
	// its step number for a later resumable save. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, workflowID, id string) error

	// DeleteForWorkflow removes every checkpoint owned by the workflow.
	DeleteForWorkflow(ctx context.Context, workflowID string) error
}
