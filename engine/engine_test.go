package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/validflow/checkpoint"
	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/scheduler"
	"github.com/BaSui01/validflow/types"
)

// testCaller scripts validator outcomes and can hold named validators
// until released, which lets tests interleave control operations with a
// tier in flight.
type testCaller struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*types.Result
	holds   map[string]chan struct{}
	started chan string
}

func newTestCaller() *testCaller {
	return &testCaller{
		results: make(map[string]*types.Result),
		holds:   make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (c *testCaller) hold(name string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.holds[name] = ch
	c.mu.Unlock()
	return ch
}

func (c *testCaller) Call(ctx context.Context, agentID, method string, params map[string]any, timeout time.Duration) (*types.Result, error) {
	name, _ := params["validator"].(string)
	c.mu.Lock()
	c.calls = append(c.calls, name)
	hold := c.holds[name]
	res := c.results[name]
	c.mu.Unlock()

	select {
	case c.started <- name:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res != nil {
		cp := *res
		return &cp, nil
	}
	return &types.Result{Passed: true, Severity: types.SeverityInfo}, nil
}

func (c *testCaller) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *testCaller) callCount(name string) int {
	n := 0
	for _, v := range c.called() {
		if v == name {
			n++
		}
	}
	return n
}

func testProfiles() map[string]config.Profile {
	return map[string]config.Profile{
		"validate_file": {
			Validators: []config.ValidatorConfig{
				{Name: "yaml", Tier: 1, Agent: "syntax"},
				{Name: "markdown", Tier: 1, Agent: "syntax"},
				{Name: "links", Tier: 2, Agent: "net"},
			},
		},
		"deep_validate": {
			MaxCriticalErrors: 3,
			Validators: []config.ValidatorConfig{
				{Name: "pre", Tier: 1, Agent: "syntax"},
				{Name: "c1", Tier: 2, Agent: "llm"},
				{Name: "c2", Tier: 2, Agent: "llm"},
				{Name: "c3", Tier: 2, Agent: "llm"},
				{Name: "c4", Tier: 2, Agent: "llm"},
				{Name: "post", Tier: 3, Agent: "net"},
			},
		},
	}
}

func newTestEngine(t *testing.T, caller scheduler.Caller) (*Engine, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	eng := New(repo, caller, config.EngineConfig{
		MaxCriticalErrors:       3,
		DefaultValidatorTimeout: time.Minute,
	}, testProfiles(), Options{})
	return eng, repo
}

func waitDone(t *testing.T, eng *Engine, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Wait(ctx, id))
}

func TestEngine_CreateWorkflow(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", map[string]any{"path": "docs/readme.md"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, wf.State)
	assert.Equal(t, 2, wf.TotalSteps)
	assert.NotEmpty(t, wf.ID)

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, status.State)
	assert.Zero(t, status.ProgressPercent)
}

func TestEngine_CreateWorkflowUnknownType(t *testing.T) {
	eng, _ := newTestEngine(t, newTestCaller())
	_, err := eng.CreateWorkflow(context.Background(), "mystery", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrGraphInvalid))
}

func TestEngine_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	eng, repo := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", map[string]any{"path": "docs/readme.md"})
	require.NoError(t, err)

	state, err := eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	waitDone(t, eng, wf.ID)

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, status.TotalSteps, status.CurrentStep)
	assert.Equal(t, float64(100), status.ProgressPercent)

	stored, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)

	// One resumable checkpoint per tier boundary.
	summaries, err := eng.ListCheckpoints(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for i, s := range summaries {
		assert.True(t, s.CanResumeFrom)
		assert.Equal(t, i+1, s.StepNumber)
	}

	agg, ok := eng.Result(wf.ID)
	require.True(t, ok)
	assert.Len(t, agg.Results, 3)
	assert.Zero(t, agg.CriticalErrors)
}

func TestEngine_StartRequiresPending(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	waitDone(t, eng, wf.ID)

	_, err = eng.Start(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestEngine_PauseDefersToTierBoundary(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("markdown")
	eng, _ := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)

	// Wait until tier 1 is mid-flight, then request the pause.
	for released := map[string]bool{}; !released["markdown"]; {
		select {
		case name := <-caller.started:
			released[name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("tier 1 never started")
		}
	}
	state, err := eng.Pause(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	close(release)
	waitDone(t, eng, wf.ID)

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, status.State)
	assert.Equal(t, 1, status.CurrentStep)

	// Tier 2 never ran, and no resumable checkpoint exists mid-tier.
	assert.Zero(t, caller.callCount("links"))
	summaries, err := eng.ListCheckpoints(ctx, wf.ID)
	require.NoError(t, err)
	for _, s := range summaries {
		if s.CanResumeFrom {
			assert.Equal(t, 1, s.StepNumber)
		}
	}
}

func TestEngine_PauseDuringFinalTierCompletes(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("links")
	eng, _ := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)

	for name := ""; name != "links"; {
		select {
		case name = <-caller.started:
		case <-time.After(2 * time.Second):
			t.Fatal("tier 2 never started")
		}
	}
	state, err := eng.Pause(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	close(release)
	waitDone(t, eng, wf.ID)

	// Past the last boundary there is nothing left to skip, so the run
	// finishes instead of parking.
	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, status.TotalSteps, status.CurrentStep)
}

func TestEngine_PauseRequiresRunning(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)

	_, err = eng.Pause(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestEngine_ResumeContinuesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("yaml")
	eng, repo := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", map[string]any{"path": "docs/readme.md"})
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)

	<-caller.started
	_, err = eng.Pause(ctx, wf.ID)
	require.NoError(t, err)
	close(release)
	waitDone(t, eng, wf.ID)

	// Simulate a process restart: fresh engine and caller over the same
	// repository.
	caller2 := newTestCaller()
	eng2 := New(repo, caller2, config.EngineConfig{
		MaxCriticalErrors:       3,
		DefaultValidatorTimeout: time.Minute,
	}, testProfiles(), Options{})

	state, err := eng2.Resume(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	waitDone(t, eng2, wf.ID)

	status, err := eng2.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, status.TotalSteps, status.CurrentStep)

	// Only tier 2 ran in the second process.
	assert.Equal(t, []string{"links"}, caller2.called())

	agg, ok := eng2.Result(wf.ID)
	require.True(t, ok)
	assert.Len(t, agg.Results, 3)
}

func TestEngine_ResumeRequiresPaused(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)

	_, err = eng.Resume(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestEngine_ResumeDeterminism(t *testing.T) {
	ctx := context.Background()

	// Uninterrupted run.
	callerA := newTestCaller()
	callerA.results["markdown"] = &types.Result{Passed: false, Severity: types.SeverityError, Message: "bad heading"}
	engA, _ := newTestEngine(t, callerA)
	wfA, err := engA.CreateWorkflow(ctx, "validate_file", map[string]any{"path": "a.md"})
	require.NoError(t, err)
	_, err = engA.Start(ctx, wfA.ID)
	require.NoError(t, err)
	waitDone(t, engA, wfA.ID)
	aggA, ok := engA.Result(wfA.ID)
	require.True(t, ok)

	// Same input, paused after tier 1 and resumed.
	callerB := newTestCaller()
	callerB.results["markdown"] = &types.Result{Passed: false, Severity: types.SeverityError, Message: "bad heading"}
	release := callerB.hold("yaml")
	engB, _ := newTestEngine(t, callerB)
	wfB, err := engB.CreateWorkflow(ctx, "validate_file", map[string]any{"path": "a.md"})
	require.NoError(t, err)
	_, err = engB.Start(ctx, wfB.ID)
	require.NoError(t, err)
	<-callerB.started
	_, err = engB.Pause(ctx, wfB.ID)
	require.NoError(t, err)
	close(release)
	waitDone(t, engB, wfB.ID)
	_, err = engB.Resume(ctx, wfB.ID)
	require.NoError(t, err)
	waitDone(t, engB, wfB.ID)
	aggB, ok := engB.Result(wfB.ID)
	require.True(t, ok)

	require.Len(t, aggB.Results, len(aggA.Results))
	for name, resA := range aggA.Results {
		resB, ok := aggB.Results[name]
		require.True(t, ok, name)
		assert.Equal(t, resA.Passed, resB.Passed, name)
		assert.Equal(t, resA.Severity, resB.Severity, name)
		assert.Equal(t, resA.Category, resB.Category, name)
	}
	assert.Equal(t, aggA.CriticalErrors, aggB.CriticalErrors)
	assert.Equal(t, aggA.StepReached, aggB.StepReached)
}

func TestEngine_CriticalBudgetFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	for _, name := range []string{"c1", "c2", "c3", "c4"} {
		caller.results[name] = &types.Result{Passed: false, Severity: types.SeverityCritical, Message: "severe"}
	}
	eng, _ := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "deep_validate", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	waitDone(t, eng, wf.ID)

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.ErrorMessage, "critical")

	// Tier 3 never starts.
	assert.Zero(t, caller.callCount("post"))
}

func TestEngine_CancelPendingImmediately(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)

	state, err := eng.Cancel(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)

	_, err = eng.Cancel(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWorkflowTerminal))
}

func TestEngine_CancelRunningStopsAtBoundary(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("yaml")
	eng, _ := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)

	<-caller.started
	_, err = eng.Cancel(ctx, wf.ID)
	require.NoError(t, err)
	close(release)
	waitDone(t, eng, wf.ID)

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.State)
	assert.Zero(t, caller.callCount("links"))
}

func TestEngine_ResumeFallsBackToOlderCheckpoint(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("yaml")
	eng, repo := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	<-caller.started
	_, err = eng.Pause(ctx, wf.ID)
	require.NoError(t, err)
	close(release)
	waitDone(t, eng, wf.ID)

	// Plant a newer resumable checkpoint whose bytes are corrupt. Resume
	// must fall back to the intact step-1 checkpoint.
	bad, err := checkpoint.New(wf.ID, "tier-2", 2, map[string]int{"x": 1}, true)
	require.NoError(t, err)
	bad.StateData[0] ^= 0xFF
	require.NoError(t, repo.MemoryStore.Save(ctx, bad))

	_, err = eng.Resume(ctx, wf.ID)
	require.NoError(t, err)
	waitDone(t, eng, wf.ID)

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 1, caller.callCount("links"))

	// The corrupt checkpoint was discarded so the rerun could re-commit
	// the step-2 boundary in its place.
	_, err = repo.MemoryStore.Load(ctx, bad.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	latest, err := repo.MemoryStore.Latest(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.StepNumber)
}

func TestEngine_ResumeWithoutCheckpointFails(t *testing.T) {
	ctx := context.Background()
	eng, repo := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)

	// Simulate a workflow left paused by a crashed process that never
	// wrote a checkpoint.
	stored, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	stored.State = StatePaused
	require.NoError(t, repo.SaveWorkflow(ctx, stored))

	_, err = eng.Resume(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	// Never silently stuck in running.
	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestEngine_PauseStaleRunningWorkflow(t *testing.T) {
	ctx := context.Background()
	eng, repo := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	stored, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	stored.State = StateRunning
	require.NoError(t, repo.SaveWorkflow(ctx, stored))

	// No in-flight run exists, so the pause applies immediately.
	state, err := eng.Pause(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
}

func TestEngine_OnDemandCheckpoint(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("yaml")
	eng, _ := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	<-caller.started
	_, err = eng.Pause(ctx, wf.ID)
	require.NoError(t, err)
	close(release)
	waitDone(t, eng, wf.ID)

	id, err := eng.Checkpoint(ctx, wf.ID, "manual-snapshot")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	summaries, err := eng.ListCheckpoints(ctx, wf.ID)
	require.NoError(t, err)
	var manual *checkpoint.Summary
	for i := range summaries {
		if summaries[i].Name == "manual-snapshot" {
			manual = &summaries[i]
		}
	}
	require.NotNil(t, manual)
	assert.False(t, manual.CanResumeFrom)
	assert.Equal(t, 1, manual.StepNumber)
}

func TestEngine_CheckpointRejectedOnTerminalWorkflow(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, newTestCaller())

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	waitDone(t, eng, wf.ID)

	_, err = eng.Checkpoint(ctx, wf.ID, "too-late")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWorkflowTerminal))
}

func TestEngine_ShutdownStopsRuns(t *testing.T) {
	ctx := context.Background()
	caller := newTestCaller()
	release := caller.hold("yaml")
	eng, _ := newTestEngine(t, caller)

	wf, err := eng.CreateWorkflow(ctx, "validate_file", nil)
	require.NoError(t, err)
	_, err = eng.Start(ctx, wf.ID)
	require.NoError(t, err)
	<-caller.started
	close(release)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(shutdownCtx))

	status, err := eng.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, status.State.Terminal())
}

func TestWorkflow_StateMachine(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateRunning))
	assert.True(t, CanTransition(StateRunning, StatePaused))
	assert.True(t, CanTransition(StatePaused, StateRunning))
	assert.False(t, CanTransition(StateCompleted, StateRunning))
	assert.False(t, CanTransition(StatePending, StatePaused))
	assert.False(t, CanTransition(StateFailed, StateRunning))

	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal())
	}
	for _, s := range []State{StatePending, StateRunning, StatePaused} {
		assert.False(t, s.Terminal())
	}
}

func TestWorkflow_ProgressPercent(t *testing.T) {
	wf := NewWorkflow("validate_file", nil)
	assert.Zero(t, wf.ProgressPercent())

	wf.TotalSteps = 4
	wf.CurrentStep = 1
	assert.InDelta(t, 25.0, wf.ProgressPercent(), 0.01)
	wf.CurrentStep = 4
	assert.Equal(t, float64(100), wf.ProgressPercent())
	wf.CurrentStep = 5
	assert.Equal(t, float64(100), wf.ProgressPercent())
}
