package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/validflow/checkpoint"
	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/engine"
	"github.com/BaSui01/validflow/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newCheckpoint(t *testing.T, workflowID string, step int, resumable bool) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := checkpoint.New(workflowID, "step", step, map[string]int{"step": step}, resumable)
	require.NoError(t, err)
	return cp
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDB_WorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	wf := engine.NewWorkflow("validate_file", map[string]any{"path": "docs/readme.md"})
	wf.TotalSteps = 3
	require.NoError(t, db.SaveWorkflow(ctx, wf))

	got, err := db.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, engine.StatePending, got.State)
	assert.Equal(t, 3, got.TotalSteps)
	assert.Equal(t, "docs/readme.md", got.InputParams["path"])

	// Save again with updated fields acts as an upsert.
	wf.State = engine.StateRunning
	wf.CurrentStep = 1
	require.NoError(t, db.SaveWorkflow(ctx, wf))

	got, err = db.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, got.State)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestDB_GetWorkflowNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWorkflowNotFound))
}

func TestDB_ListWorkflows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.SaveWorkflow(ctx, engine.NewWorkflow("validate_file", nil)))
	require.NoError(t, db.SaveWorkflow(ctx, engine.NewWorkflow("validate_directory", nil)))

	list, err := db.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDB_CheckpointSaveLoad(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cp := newCheckpoint(t, "wf-1", 1, true)
	require.NoError(t, db.Save(ctx, cp))

	loaded, err := db.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.Digest, loaded.Digest)

	var state map[string]int
	require.NoError(t, loaded.State(&state))
	assert.Equal(t, 1, state["step"])
}

func TestDB_LoadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cp := newCheckpoint(t, "wf-1", 1, true)
	cp.StateData[0] ^= 0xFF
	require.NoError(t, db.Save(ctx, cp))

	_, err := db.Load(ctx, cp.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCorruptCheckpoint))
}

func TestDB_LatestPicksHighestResumableStep(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Save(ctx, newCheckpoint(t, "wf-1", 1, true)))
	step2 := newCheckpoint(t, "wf-1", 2, true)
	require.NoError(t, db.Save(ctx, step2))
	require.NoError(t, db.Save(ctx, newCheckpoint(t, "wf-1", 2, false)))

	latest, err := db.Latest(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, step2.ID, latest.ID)
}

func TestDB_LatestNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Latest(context.Background(), "wf-1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestDB_RejectsNonIncreasingResumableStep(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Save(ctx, newCheckpoint(t, "wf-1", 2, true)))
	err := db.Save(ctx, newCheckpoint(t, "wf-1", 2, true))
	require.Error(t, err)
	err = db.Save(ctx, newCheckpoint(t, "wf-1", 1, true))
	require.Error(t, err)
}

func TestDB_DeleteFreesResumableStep(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Save(ctx, newCheckpoint(t, "wf-1", 1, true)))
	stale := newCheckpoint(t, "wf-1", 2, true)
	require.NoError(t, db.Save(ctx, stale))

	require.NoError(t, db.Delete(ctx, "wf-1", stale.ID))
	_, err := db.Load(ctx, stale.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	// A fresh resumable save at the freed step is accepted again.
	require.NoError(t, db.Save(ctx, newCheckpoint(t, "wf-1", 2, true)))

	latest, err := db.Latest(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.StepNumber)
}

func TestDB_SaveCheckpointWithStepCommitsBoth(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	wf := engine.NewWorkflow("validate_file", nil)
	wf.TotalSteps = 2
	require.NoError(t, db.SaveWorkflow(ctx, wf))

	wf.State = engine.StateRunning
	wf.CurrentStep = 1
	cp := newCheckpoint(t, wf.ID, 1, true)
	require.NoError(t, db.SaveCheckpointWithStep(ctx, wf, cp))

	got, err := db.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)

	latest, err := db.Latest(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, latest.ID)
}

func TestDB_SaveCheckpointWithStepRollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	wf := engine.NewWorkflow("validate_file", nil)
	wf.TotalSteps = 2
	require.NoError(t, db.SaveWorkflow(ctx, wf))

	require.NoError(t, db.SaveCheckpointWithStep(ctx, wf, newCheckpoint(t, wf.ID, 1, true)))

	// A second resumable checkpoint at the same step fails and must not
	// advance the workflow row.
	wf.CurrentStep = 2
	err := db.SaveCheckpointWithStep(ctx, wf, newCheckpoint(t, wf.ID, 1, true))
	require.Error(t, err)

	got, err := db.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
}

func TestDB_DeleteWorkflowCascades(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	wf := engine.NewWorkflow("validate_file", nil)
	require.NoError(t, db.SaveWorkflow(ctx, wf))
	require.NoError(t, db.Save(ctx, newCheckpoint(t, wf.ID, 1, true)))

	require.NoError(t, db.DeleteWorkflow(ctx, wf.ID))

	_, err := db.GetWorkflow(ctx, wf.ID)
	assert.True(t, types.IsCode(err, types.ErrWorkflowNotFound))

	list, err := db.List(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
