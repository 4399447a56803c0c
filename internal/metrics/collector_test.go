package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestCollector() *Collector {
	return NewCollector("validflow_test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector()

	assert.NotNil(t, c)
	assert.NotNil(t, c.workflowTransitions)
	assert.NotNil(t, c.validatorRuns)
	assert.NotNil(t, c.gateCalls)
	assert.NotNil(t, c.checkpointOps)
}

func TestCollector_RecordWorkflowTransition(t *testing.T) {
	c := newTestCollector()

	c.RecordWorkflowTransition("validate_file", "pending", "running")
	c.RecordWorkflowTransition("validate_file", "running", "completed")

	count := testutil.CollectAndCount(c.workflowTransitions)
	assert.Equal(t, 2, count)
}

func TestCollector_GateInFlightGauge(t *testing.T) {
	c := newTestCollector()

	c.GateAdmitted("llm_validator")
	c.GateAdmitted("llm_validator")
	c.GateReleased("llm_validator")

	value := testutil.ToFloat64(c.gateInFlight.WithLabelValues("llm_validator"))
	assert.Equal(t, 1.0, value)
}

func TestCollector_RecordValidatorRun(t *testing.T) {
	c := newTestCollector()

	c.RecordValidatorRun("yaml", "success", 120*time.Millisecond)
	c.RecordValidatorRun("yaml", "timeout", 2*time.Second)

	count := testutil.CollectAndCount(c.validatorRuns)
	assert.Equal(t, 2, count)
}

func TestCollector_NilReceiverIsSafe(t *testing.T) {
	var c *Collector

	// All recording methods must be no-ops on a nil collector.
	c.RecordWorkflowTransition("t", "a", "b")
	c.RecordValidatorRun("v", "success", time.Second)
	c.RecordGateCall("a", "success", time.Second)
	c.GateAdmitted("a")
	c.GateReleased("a")
	c.RecordCheckpointOp("memory", "save", "success", time.Millisecond)
}
