package scheduler

import (
	"github.com/BaSui01/validflow/types"
)

// AggregatedResult accumulates validator outcomes across tiers. It is the
// unit persisted at tier boundaries and returned to callers when a run
// completes, pauses, or fails.
type AggregatedResult struct {
	// Results keyed by validator name. A validator appears once it has
	// finished (or been skipped); validators not yet reached are absent.
	Results map[string]*types.Result `json:"results"`
	// CriticalErrors counts failed results at critical severity.
	CriticalErrors int `json:"critical_errors"`
	// StepReached is the number of fully completed tiers.
	StepReached int `json:"step_reached"`
	// TotalSteps is the number of tiers in the plan.
	TotalSteps int `json:"total_steps"`
}

// NewAggregatedResult returns an empty aggregate for a plan with the given
// tier count.
func NewAggregatedResult(totalSteps int) *AggregatedResult {
	return &AggregatedResult{
		Results:    make(map[string]*types.Result),
		TotalSteps: totalSteps,
	}
}

// Record adds one validator result and updates the critical counter.
func (a *AggregatedResult) Record(res *types.Result) {
	if res == nil {
		return
	}
	if a.Results == nil {
		a.Results = make(map[string]*types.Result)
	}
	a.Results[res.Validator] = res
	if res.Critical() {
		a.CriticalErrors++
	}
}

// Succeeded reports whether the named validator finished with a passing
// result. Used for dependency gating across tiers.
func (a *AggregatedResult) Succeeded(name string) bool {
	if a == nil {
		return false
	}
	res, ok := a.Results[name]
	return ok && res.Passed
}

// MaxSeverity returns the highest severity among failed results, or
// SeverityInfo when nothing failed.
func (a *AggregatedResult) MaxSeverity() types.Severity {
	max := types.SeverityInfo
	for _, res := range a.Results {
		if !res.Passed {
			max = types.MaxSeverity(max, res.Severity)
		}
	}
	return max
}

// Clone deep-copies the aggregate so a caller can hold a snapshot while the
// scheduler keeps mutating the original.
func (a *AggregatedResult) Clone() *AggregatedResult {
	if a == nil {
		return nil
	}
	out := &AggregatedResult{
		Results:        make(map[string]*types.Result, len(a.Results)),
		CriticalErrors: a.CriticalErrors,
		StepReached:    a.StepReached,
		TotalSteps:     a.TotalSteps,
	}
	for name, res := range a.Results {
		cp := *res
		out.Results[name] = &cp
	}
	return out
}
