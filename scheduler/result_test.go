package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/validflow/types"
)

func TestAggregatedResult_RecordAndCriticals(t *testing.T) {
	agg := NewAggregatedResult(3)
	agg.Record(&types.Result{Validator: "a", Passed: true, Severity: types.SeverityInfo})
	agg.Record(&types.Result{Validator: "b", Passed: false, Severity: types.SeverityCritical})
	agg.Record(&types.Result{Validator: "c", Passed: false, Severity: types.SeverityError})
	agg.Record(nil)

	assert.Len(t, agg.Results, 3)
	assert.Equal(t, 1, agg.CriticalErrors)
	assert.True(t, agg.Succeeded("a"))
	assert.False(t, agg.Succeeded("b"))
	assert.False(t, agg.Succeeded("missing"))
	assert.Equal(t, types.SeverityCritical, agg.MaxSeverity())
}

func TestAggregatedResult_MaxSeverityIgnoresPassed(t *testing.T) {
	agg := NewAggregatedResult(1)
	agg.Record(&types.Result{Validator: "a", Passed: true, Severity: types.SeverityCritical})
	agg.Record(&types.Result{Validator: "b", Passed: false, Severity: types.SeverityWarning})

	assert.Equal(t, types.SeverityWarning, agg.MaxSeverity())
}

func TestAggregatedResult_CloneIsIndependent(t *testing.T) {
	agg := NewAggregatedResult(2)
	agg.Record(&types.Result{Validator: "a", Passed: true, Severity: types.SeverityInfo})
	agg.StepReached = 1

	clone := agg.Clone()
	clone.Record(&types.Result{Validator: "b", Passed: false, Severity: types.SeverityCritical})
	clone.Results["a"].Passed = false
	clone.StepReached = 2

	assert.Len(t, agg.Results, 1)
	assert.True(t, agg.Results["a"].Passed)
	assert.Equal(t, 1, agg.StepReached)
	assert.Zero(t, agg.CriticalErrors)

	var nilAgg *AggregatedResult
	assert.Nil(t, nilAgg.Clone())
}

func TestAggregatedResult_JSONRoundTrip(t *testing.T) {
	agg := NewAggregatedResult(2)
	agg.Record(&types.Result{
		Validator: "yaml",
		Passed:    false,
		Severity:  types.SeverityError,
		Category:  types.CategoryBusiness,
		Message:   "bad indent",
		Duration:  120 * time.Millisecond,
	})
	agg.StepReached = 1

	raw, err := json.Marshal(agg)
	require.NoError(t, err)

	var back AggregatedResult
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, agg.StepReached, back.StepReached)
	assert.Equal(t, agg.TotalSteps, back.TotalSteps)
	assert.Equal(t, agg.CriticalErrors, back.CriticalErrors)
	require.Contains(t, back.Results, "yaml")
	assert.Equal(t, "bad indent", back.Results["yaml"].Message)
}
