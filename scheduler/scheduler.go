package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/validflow/internal/metrics"
	"github.com/BaSui01/validflow/types"
)

// ErrStop is returned by an OnTierComplete hook to stop the run cleanly at
// the tier boundary. RunTiers propagates it unchanged so callers can
// distinguish a requested stop from a failure.
var ErrStop = errors.New("scheduler: stop requested at tier boundary")

// Caller dispatches one validator call to a downstream agent. gate.Gate
// satisfies this.
type Caller interface {
	Call(ctx context.Context, agentID, method string, params map[string]any, timeout time.Duration) (*types.Result, error)
}

// Options tunes a Scheduler.
type Options struct {
	// MaxCriticalErrors is the run-wide critical budget. The run fails once
	// the count of critical findings exceeds this value.
	MaxCriticalErrors int
	// FailFast fails the run on the first critical finding regardless of
	// the budget.
	FailFast bool
	// OnTierComplete fires after each tier fully joins, with the step just
	// completed and a snapshot of the aggregate. Returning ErrStop halts
	// the run at the boundary; any other error aborts it.
	OnTierComplete func(ctx context.Context, step int, agg *AggregatedResult) error
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Metrics is optional.
	Metrics *metrics.Collector
}

// Scheduler executes a Plan tier by tier: validators within a tier run
// concurrently (unless the tier is sequential), and tier N+1 starts only
// after every validator of tier N has finished.
type Scheduler struct {
	caller  Caller
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewScheduler builds a scheduler over the given caller.
func NewScheduler(caller Caller, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		caller:  caller,
		opts:    opts,
		logger:  logger.With(zap.String("component", "scheduler")),
		metrics: opts.Metrics,
	}
}

// RunTiers executes the plan against content, starting after fromStep
// completed tiers. prior seeds the aggregate when resuming so that
// cross-tier dependency checks and the critical counter survive a restart;
// pass nil for a fresh run.
//
// The returned aggregate always reflects every validator that finished,
// even when err is non-nil. Infrastructure failures (unregistered or
// unavailable agents, tier-boundary hook errors) abort the run; validator
// findings, timeouts, and transport errors are recorded as results and
// counted against the critical budget instead.
func (s *Scheduler) RunTiers(ctx context.Context, plan *Plan, content *types.Content, fromStep int, prior *AggregatedResult) (*AggregatedResult, error) {
	agg := prior.Clone()
	if agg == nil {
		agg = NewAggregatedResult(plan.TotalSteps())
	}
	agg.TotalSteps = plan.TotalSteps()
	agg.StepReached = fromStep

	ordinals := plan.TierOrdinals()
	if fromStep < 0 || fromStep > len(ordinals) {
		return agg, types.NewErrorf(types.ErrGraphInvalid, "resume step %d out of range for %d tiers", fromStep, len(ordinals))
	}

	for step := fromStep; step < len(ordinals); step++ {
		ordinal := ordinals[step]
		if err := ctx.Err(); err != nil {
			return agg, err
		}

		start := time.Now()
		s.logger.Info("tier starting",
			zap.Int("tier", ordinal),
			zap.Int("step", step+1),
			zap.Int("total_steps", len(ordinals)))

		if err := s.runTier(ctx, plan, ordinal, content, agg); err != nil {
			return agg, err
		}
		s.metrics.RecordTierDuration(strconv.Itoa(ordinal), time.Since(start))

		if s.overBudget(agg) {
			s.logger.Warn("critical budget exceeded",
				zap.Int("tier", ordinal),
				zap.Int("critical_errors", agg.CriticalErrors),
				zap.Int("budget", s.opts.MaxCriticalErrors))
			return agg, types.NewErrorf(types.ErrCriticalBudget,
				"%d critical errors exceed budget %d", agg.CriticalErrors, s.opts.MaxCriticalErrors)
		}

		agg.StepReached = step + 1
		if s.opts.OnTierComplete != nil {
			if err := s.opts.OnTierComplete(ctx, step+1, agg.Clone()); err != nil {
				return agg, err
			}
		}
	}

	return agg, nil
}

// runTier launches every runnable validator of one tier and waits for all
// of them. Validators whose dependencies failed or were skipped get a
// skipped result instead of a call. In-tier dependencies defer a
// validator's start until its dependencies finish; a sequential tier runs
// one validator at a time in dependency order. Once the critical budget
// is blown no further validator launches; already-dispatched calls finish
// and the partial aggregate is returned.
func (s *Scheduler) runTier(ctx context.Context, plan *Plan, ordinal int, content *types.Content, agg *AggregatedResult) error {
	specs := plan.tierSpecs(ordinal)

	if plan.sequential(ordinal) {
		for _, spec := range specs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.overBudget(agg) {
				return nil
			}
			if skip := skipResult(spec, agg); skip != nil {
				agg.Record(skip)
				continue
			}
			res, err := s.runOne(ctx, plan, spec, content)
			if err != nil {
				return err
			}
			agg.Record(res)
		}
		return nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	inTier := make(map[string]bool, len(specs))
	done := make(map[string]chan struct{}, len(specs))
	for _, spec := range specs {
		inTier[spec.Name] = true
		done[spec.Name] = make(chan struct{})
	}

	for _, spec := range specs {
		wg.Add(1)
		go func(spec ValidatorSpec) {
			defer wg.Done()
			defer close(done[spec.Name])

			// Wait for same-tier dependencies before starting; cross-tier
			// dependencies already finished in an earlier tier.
			for _, dep := range spec.DependsOn {
				if !inTier[dep] {
					continue
				}
				select {
				case <-done[dep]:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			mu.Lock()
			if s.overBudget(agg) {
				mu.Unlock()
				return
			}
			skip := skipResult(spec, agg)
			if skip != nil {
				agg.Record(skip)
			}
			mu.Unlock()
			if skip != nil {
				return
			}

			res, err := s.runOne(ctx, plan, spec, content)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			agg.Record(res)
		}(spec)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// skipResult returns a skipped result when any dependency of spec did not
// succeed, or nil when the validator may run. Callers hold whatever lock
// protects agg.
func skipResult(spec ValidatorSpec, agg *AggregatedResult) *types.Result {
	for _, dep := range spec.DependsOn {
		if agg.Succeeded(dep) {
			continue
		}
		return &types.Result{
			Validator: spec.Name,
			Passed:    false,
			Severity:  types.SeverityWarning,
			Category:  types.CategorySkipped,
			Message:   "skipped: dependency " + dep + " did not succeed",
		}
	}
	return nil
}

// runOne executes a single validator, translating call failures into
// recordable results where the failure is attributable to the validator
// rather than the platform.
func (s *Scheduler) runOne(ctx context.Context, plan *Plan, spec ValidatorSpec, content *types.Content) (*types.Result, error) {
	params := map[string]any{
		"validator": spec.Name,
		"path":      content.Path,
		"body":      content.Body,
	}
	if len(content.Metadata) > 0 {
		params["metadata"] = content.Metadata
	}

	timeout := plan.timeoutFor(spec)
	start := time.Now()
	res, err := s.caller.Call(ctx, spec.AgentID, spec.Method, params, timeout)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if res == nil {
			res = &types.Result{Passed: true, Severity: types.SeverityInfo}
		}
	case types.IsCode(err, types.ErrTimeout):
		res = &types.Result{
			Passed:   false,
			Severity: types.SeverityError,
			Category: types.CategoryTimeout,
			Message:  "validator timed out after " + timeout.String(),
		}
	case types.IsCode(err, types.ErrAgentNotRegistered), types.IsCode(err, types.ErrAgentUnavailable):
		// Platform failures: nothing the validator did, so the run aborts
		// instead of recording a finding.
		return nil, types.NewErrorf(types.ErrValidator, "validator %q: %v", spec.Name, err).
			WithValidator(spec.Name).WithCause(err)
	case types.IsCode(err, types.ErrAgentFailed):
		res = &types.Result{
			Passed:   false,
			Severity: types.SeverityError,
			Category: types.CategoryTransport,
			Message:  err.Error(),
		}
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		// Business errors surfaced by the agent become failed results.
		res = &types.Result{
			Passed:   false,
			Severity: types.SeverityError,
			Category: types.CategoryBusiness,
			Message:  err.Error(),
		}
	}

	res.Validator = spec.Name
	res.Duration = elapsed

	outcome := "passed"
	if !res.Passed {
		outcome = "failed"
	}
	s.metrics.RecordValidatorRun(spec.Name, outcome, elapsed)
	s.logger.Debug("validator finished",
		zap.String("validator", spec.Name),
		zap.Bool("passed", res.Passed),
		zap.String("severity", string(res.Severity)),
		zap.Duration("duration", elapsed))

	return res, nil
}

// overBudget reports whether the critical counter exceeds the budget, or
// whether any critical finding exists under fail-fast.
func (s *Scheduler) overBudget(agg *AggregatedResult) bool {
	if s.opts.FailFast && agg.CriticalErrors > 0 {
		return true
	}
	return agg.CriticalErrors > s.opts.MaxCriticalErrors
}
