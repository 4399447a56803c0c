package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/validflow/checkpoint"
	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/internal/metrics"
	"github.com/BaSui01/validflow/scheduler"
	"github.com/BaSui01/validflow/types"
)

// Options tunes an Engine.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Metrics is optional.
	Metrics *metrics.Collector
	// Tracer defaults to a noop tracer.
	Tracer trace.Tracer
}

// Engine orchestrates workflows over a Repository and a scheduler Caller.
// All state mutation goes through the engine; callers observe workflows
// through GetStatus and ListCheckpoints.
type Engine struct {
	repo     Repository
	caller   scheduler.Caller
	cfg      config.EngineConfig
	profiles map[string]config.Profile
	logger   *zap.Logger
	base     *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	mu      sync.Mutex
	runs    map[string]*run
	results map[string]*scheduler.AggregatedResult
}

// run tracks one in-flight scheduler execution. Pause and cancel requests
// are flags the tier-boundary hook inspects; nothing interrupts a tier.
type run struct {
	pause  atomic.Bool
	cancel atomic.Bool
	done   chan struct{}
	stop   context.CancelFunc
}

// New builds an engine over the given repository and agent caller.
func New(repo Repository, caller scheduler.Caller, cfg config.EngineConfig, profiles map[string]config.Profile, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("validflow")
	}
	return &Engine{
		repo:     repo,
		caller:   caller,
		cfg:      cfg,
		profiles: profiles,
		logger:   logger.With(zap.String("component", "engine")),
		base:     logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		runs:     make(map[string]*run),
		results:  make(map[string]*scheduler.AggregatedResult),
	}
}

// CreateWorkflow registers a pending workflow of the given type. The
// type's profile is resolved and validated now, so a broken validator
// graph is rejected before anything runs.
func (e *Engine) CreateWorkflow(ctx context.Context, wfType string, inputParams map[string]any) (*Workflow, error) {
	plan, _, err := e.planFor(wfType)
	if err != nil {
		return nil, err
	}

	wf := NewWorkflow(wfType, inputParams)
	wf.TotalSteps = plan.TotalSteps()
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}

	e.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("type", wfType),
		zap.Int("total_steps", wf.TotalSteps))
	return wf.Clone(), nil
}

// Start begins tier execution from step 0. Requires state pending.
func (e *Engine) Start(ctx context.Context, id string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	plan, profile, err := e.planFor(wf.Type)
	if err != nil {
		return "", err
	}

	from := wf.State
	if err := wf.transition(StateRunning); err != nil {
		return wf.State, err
	}
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return from, fmt.Errorf("save workflow: %w", err)
	}
	e.recordTransition(wf.Type, from, StateRunning)
	e.metrics.WorkflowStarted(wf.Type)

	e.launch(wf, plan, profile, 0, nil)
	return StateRunning, nil
}

// Pause requests a stop at the next tier boundary. The engine writes the
// boundary checkpoint first and only then transitions to paused, so a
// paused workflow is always resumable. Returns the current state; use
// Wait to block until the pause lands.
func (e *Engine) Pause(ctx context.Context, id string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.State != StateRunning {
		return wf.State, types.NewErrorf(types.ErrInvalidTransition,
			"workflow %s: pause requires state %s, have %s", id, StateRunning, wf.State)
	}

	r, ok := e.runs[id]
	if !ok {
		// State says running but nothing is in flight: a previous process
		// died mid-run. Park the workflow so Resume can pick it up.
		from := wf.State
		if err := wf.transition(StatePaused); err != nil {
			return wf.State, err
		}
		if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
			return from, fmt.Errorf("save workflow: %w", err)
		}
		e.recordTransition(wf.Type, from, StatePaused)
		return StatePaused, nil
	}

	r.pause.Store(true)
	e.logger.Info("pause requested", zap.String("workflow_id", id))
	return wf.State, nil
}

// Resume continues a paused workflow from its latest resumable
// checkpoint. A corrupt newest checkpoint gets exactly one fallback to
// the next-older resumable one; if that also fails the workflow is marked
// failed rather than left stuck.
func (e *Engine) Resume(ctx context.Context, id string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.State != StatePaused {
		return wf.State, types.NewErrorf(types.ErrInvalidTransition,
			"workflow %s: resume requires state %s, have %s", id, StatePaused, wf.State)
	}
	plan, profile, err := e.planFor(wf.Type)
	if err != nil {
		return wf.State, err
	}

	cp, agg, err := e.loadResumeState(ctx, wf)
	if err != nil {
		if failErr := e.fail(ctx, wf, err); failErr != nil {
			e.logger.Error("mark failed after resume failure",
				zap.String("workflow_id", id), zap.Error(failErr))
		}
		return StateFailed, err
	}

	from := wf.State
	wf.CurrentStep = cp.StepNumber
	if err := wf.transition(StateRunning); err != nil {
		return wf.State, err
	}
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return from, fmt.Errorf("save workflow: %w", err)
	}
	e.recordTransition(wf.Type, from, StateRunning)
	e.metrics.WorkflowStarted(wf.Type)

	e.logger.Info("workflow resuming",
		zap.String("workflow_id", id),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("from_step", cp.StepNumber))

	e.launch(wf, plan, profile, cp.StepNumber, agg)
	return StateRunning, nil
}

// loadResumeState fetches the newest resumable checkpoint and decodes its
// aggregate. An unusable newest checkpoint gets exactly one fallback
// attempt against the next-older resumable one. Unusable checkpoints above
// the chosen resume point are discarded so the relaunched run can commit
// its own boundaries at those steps again.
func (e *Engine) loadResumeState(ctx context.Context, wf *Workflow) (*checkpoint.Checkpoint, *scheduler.AggregatedResult, error) {
	all, err := e.repo.List(ctx, wf.ID)
	if err != nil {
		return nil, nil, err
	}

	candidates := make([]*checkpoint.Checkpoint, 0, len(all))
	for _, c := range all {
		if c.CanResumeFrom {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StepNumber > candidates[j].StepNumber
	})
	if len(candidates) == 0 {
		return nil, nil, types.NewErrorf(types.ErrNotFound,
			"no resumable checkpoint for workflow %s", wf.ID)
	}
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}

	var lastErr error
	var unusable []*checkpoint.Checkpoint
	for i, cand := range candidates {
		cp, err := e.repo.Load(ctx, cand.ID)
		if err == nil {
			var agg scheduler.AggregatedResult
			if err = cp.State(&agg); err == nil {
				for _, bad := range unusable {
					if delErr := e.repo.Delete(ctx, wf.ID, bad.ID); delErr != nil {
						// A stale resumable entry above the resume point would
						// block the re-committed boundary at its step.
						return nil, nil, fmt.Errorf("discard unusable checkpoint %s: %w", bad.ID, delErr)
					}
					e.logger.Warn("discarded unusable checkpoint",
						zap.String("workflow_id", wf.ID),
						zap.String("checkpoint_id", bad.ID),
						zap.Int("step", bad.StepNumber))
				}
				return cp, &agg, nil
			}
		}
		lastErr = err
		unusable = append(unusable, cand)
		if i == 0 && len(candidates) > 1 {
			e.logger.Warn("latest checkpoint unusable, trying next-older",
				zap.String("workflow_id", wf.ID),
				zap.String("checkpoint_id", cand.ID),
				zap.Error(err))
		}
	}
	return nil, nil, lastErr
}

// Cancel stops a workflow from any non-terminal state. A running workflow
// stops after the current tier completes; a pending or paused one is
// cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, id string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.State.Terminal() {
		return wf.State, types.NewErrorf(types.ErrWorkflowTerminal,
			"workflow %s already %s", id, wf.State)
	}

	if r, ok := e.runs[id]; ok {
		r.cancel.Store(true)
		e.logger.Info("cancel requested", zap.String("workflow_id", id))
		return wf.State, nil
	}

	from := wf.State
	if err := wf.transition(StateCancelled); err != nil {
		return wf.State, err
	}
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return from, fmt.Errorf("save workflow: %w", err)
	}
	e.recordTransition(wf.Type, from, StateCancelled)
	return StateCancelled, nil
}

// Checkpoint writes an on-demand snapshot of the workflow's accumulated
// state. On-demand snapshots are never resume candidates: the workflow
// may be mid-tier, and only boundary checkpoints preserve dependency
// ordering.
func (e *Engine) Checkpoint(ctx context.Context, id, name string) (string, error) {
	e.mu.Lock()
	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	if wf.State.Terminal() {
		e.mu.Unlock()
		return "", types.NewErrorf(types.ErrWorkflowTerminal,
			"workflow %s already %s", id, wf.State)
	}
	agg := e.results[id]
	e.mu.Unlock()

	if agg == nil {
		agg = scheduler.NewAggregatedResult(wf.TotalSteps)
	}
	cp, err := checkpoint.New(wf.ID, name, wf.CurrentStep, agg, false)
	if err != nil {
		return "", err
	}
	if err := e.repo.Save(ctx, cp); err != nil {
		return "", err
	}

	e.logger.Info("on-demand checkpoint written",
		zap.String("workflow_id", id),
		zap.String("checkpoint_id", cp.ID),
		zap.String("name", name))
	return cp.ID, nil
}

// GetStatus reflects the last successfully committed state.
func (e *Engine) GetStatus(ctx context.Context, id string) (Status, error) {
	wf, err := e.repo.GetWorkflow(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return StatusOf(wf), nil
}

// ListCheckpoints returns checkpoint summaries ordered oldest first.
func (e *Engine) ListCheckpoints(ctx context.Context, id string) ([]checkpoint.Summary, error) {
	cps, err := e.repo.List(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]checkpoint.Summary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cp.Summarize())
	}
	return out, nil
}

// Result returns the last aggregate known for the workflow, if any.
func (e *Engine) Result(id string) (*scheduler.AggregatedResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agg, ok := e.results[id]
	if !ok {
		return nil, false
	}
	return agg.Clone(), true
}

// Wait blocks until the workflow's in-flight run finishes, or returns
// immediately when nothing is running.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every in-flight run and waits for them to settle.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	active := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		r.cancel.Store(true)
		active = append(active, r)
	}
	e.mu.Unlock()

	for _, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// launch registers a run and executes the plan on its own goroutine. The
// run context is detached from the caller's so an expired API request
// does not kill the workflow.
func (e *Engine) launch(wf *Workflow, plan *scheduler.Plan, profile config.Profile, fromStep int, prior *scheduler.AggregatedResult) {
	runCtx, stop := context.WithCancel(context.Background())
	r := &run{done: make(chan struct{}), stop: stop}
	e.runs[wf.ID] = r

	go e.execute(runCtx, r, wf, plan, profile, fromStep, prior)
}

func (e *Engine) execute(ctx context.Context, r *run, wf *Workflow, plan *scheduler.Plan, profile config.Profile, fromStep int, prior *scheduler.AggregatedResult) {
	defer close(r.done)
	defer r.stop()
	defer func() {
		e.mu.Lock()
		delete(e.runs, wf.ID)
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("workflow.type", wf.Type),
			attribute.Int("workflow.from_step", fromStep),
		))
	defer span.End()

	started := time.Now()
	budget := e.cfg.MaxCriticalErrors
	if profile.MaxCriticalErrors > 0 {
		budget = profile.MaxCriticalErrors
	}

	sched := scheduler.NewScheduler(e.caller, scheduler.Options{
		MaxCriticalErrors: budget,
		FailFast:          profile.FailFast,
		Logger:            e.base,
		Metrics:           e.metrics,
		OnTierComplete: func(hookCtx context.Context, step int, agg *scheduler.AggregatedResult) error {
			if err := e.commitBoundary(hookCtx, wf, step, agg); err != nil {
				return err
			}
			// A stop request landing on the final boundary has nothing left
			// to skip; the run completes instead of parking.
			if step < wf.TotalSteps && (r.cancel.Load() || r.pause.Load()) {
				return scheduler.ErrStop
			}
			return nil
		},
	})

	agg, err := sched.RunTiers(ctx, plan, contentOf(wf), fromStep, prior)
	e.setResult(wf.ID, agg)

	var to State
	var errMsg string
	switch {
	case err == nil:
		to = StateCompleted
	case errors.Is(err, scheduler.ErrStop):
		if r.cancel.Load() {
			to = StateCancelled
		} else {
			to = StatePaused
		}
	case errors.Is(err, context.Canceled):
		to = StateCancelled
	default:
		to = StateFailed
		errMsg = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, errMsg)
	}

	e.finalize(wf, to, errMsg, started)
}

// commitBoundary persists the tier-boundary checkpoint and step update
// atomically. Failure here is fatal to the run.
func (e *Engine) commitBoundary(ctx context.Context, wf *Workflow, step int, agg *scheduler.AggregatedResult) error {
	cp, err := checkpoint.New(wf.ID, fmt.Sprintf("tier-%d", step), step, agg, true)
	if err != nil {
		return err
	}
	wf.CurrentStep = step
	wf.UpdatedAt = time.Now().UTC()
	if err := e.repo.SaveCheckpointWithStep(ctx, wf, cp); err != nil {
		return err
	}

	e.setResult(wf.ID, agg)
	e.logger.Info("tier boundary committed",
		zap.String("workflow_id", wf.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("step", step),
		zap.Int("total_steps", wf.TotalSteps))
	return nil
}

// finalize moves the workflow to its terminal or paused state and
// persists it. Uses a fresh context: the run context may already be
// cancelled, and the final state must still land.
func (e *Engine) finalize(wf *Workflow, to State, errMsg string, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	from := wf.State
	if err := wf.transition(to); err != nil {
		e.logger.Error("finalize transition rejected",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	wf.ErrorMessage = errMsg
	if to == StateCompleted {
		wf.CurrentStep = wf.TotalSteps
	}
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		e.logger.Error("persist final state",
			zap.String("workflow_id", wf.ID),
			zap.String("state", string(to)),
			zap.Error(err))
	}

	e.recordTransition(wf.Type, from, to)
	e.metrics.WorkflowStopped(wf.Type)
	e.metrics.RecordWorkflowDuration(wf.Type, string(to), time.Since(started))
	e.logger.Info("workflow finished",
		zap.String("workflow_id", wf.ID),
		zap.String("state", string(to)),
		zap.Duration("duration", time.Since(started)),
		zap.String("error", errMsg))
}

// fail marks the workflow failed with the error's message.
func (e *Engine) fail(ctx context.Context, wf *Workflow, cause error) error {
	from := wf.State
	if err := wf.transition(StateFailed); err != nil {
		return err
	}
	wf.ErrorMessage = cause.Error()
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	e.recordTransition(wf.Type, from, StateFailed)
	return nil
}

func (e *Engine) planFor(wfType string) (*scheduler.Plan, config.Profile, error) {
	profile, ok := e.profiles[wfType]
	if !ok {
		return nil, config.Profile{}, types.NewErrorf(types.ErrGraphInvalid,
			"no profile for workflow type %q", wfType)
	}
	plan, err := scheduler.PlanFromProfile(profile, e.cfg.DefaultValidatorTimeout)
	if err != nil {
		return nil, config.Profile{}, err
	}
	return plan, profile, nil
}

func (e *Engine) setResult(id string, agg *scheduler.AggregatedResult) {
	if agg == nil {
		return
	}
	e.mu.Lock()
	e.results[id] = agg.Clone()
	e.mu.Unlock()
}

func (e *Engine) recordTransition(wfType string, from, to State) {
	e.metrics.RecordWorkflowTransition(wfType, string(from), string(to))
}

// contentOf projects the workflow's input params into validator content.
func contentOf(wf *Workflow) *types.Content {
	content := &types.Content{}
	if path, ok := wf.InputParams["path"].(string); ok {
		content.Path = path
	}
	switch body := wf.InputParams["body"].(type) {
	case string:
		content.Body = []byte(body)
	case []byte:
		content.Body = body
	}
	meta := make(map[string]any)
	for k, v := range wf.InputParams {
		if k == "path" || k == "body" {
			continue
		}
		meta[k] = v
	}
	if len(meta) > 0 {
		content.Metadata = meta
	}
	return content
}
