// =============================================================================
// FakeAgent: scriptable downstream agent for tests
// =============================================================================
// Usage:
//
//	agent := testutil.NewFakeAgent("yaml_validator").
//	    WithBusyCount(2).
//	    WithResult(&types.Result{Validator: "yaml", Passed: true})
//	registry.Register(agent)
// =============================================================================
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/validflow/types"
)

// FakeAgent is a scriptable types.Agent implementation.
type FakeAgent struct {
	id string

	mu sync.Mutex

	// Scripted behavior
	busyRemaining int
	status        types.AgentStatus
	result        *types.Result
	invokeErr     error
	latency       time.Duration
	invokeFn      func(ctx context.Context, method string, params map[string]any) (*types.Result, error)

	// Concurrency tracking
	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	// Call accounting
	statusCalls atomic.Int64
	invokeCalls atomic.Int64
}

// NewFakeAgent creates a fake agent that reports READY and succeeds.
func NewFakeAgent(id string) *FakeAgent {
	return &FakeAgent{
		id:     id,
		status: types.AgentReady,
	}
}

// WithBusyCount makes the next n status queries report BUSY before READY.
func (a *FakeAgent) WithBusyCount(n int) *FakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busyRemaining = n
	return a
}

// WithStatus pins the reported status.
func (a *FakeAgent) WithStatus(s types.AgentStatus) *FakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	return a
}

// WithResult sets the result returned by Invoke.
func (a *FakeAgent) WithResult(r *types.Result) *FakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result = r
	return a
}

// WithInvokeError injects a business error from Invoke.
func (a *FakeAgent) WithInvokeError(err error) *FakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invokeErr = err
	return a
}

// WithLatency makes each Invoke take at least d.
func (a *FakeAgent) WithLatency(d time.Duration) *FakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
	return a
}

// WithInvokeFunc replaces the scripted Invoke behavior entirely.
func (a *FakeAgent) WithInvokeFunc(fn func(ctx context.Context, method string, params map[string]any) (*types.Result, error)) *FakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invokeFn = fn
	return a
}

// ID implements types.Agent.
func (a *FakeAgent) ID() string { return a.id }

// Status implements types.Agent. Scripted BUSY responses are consumed first.
func (a *FakeAgent) Status(ctx context.Context) types.AgentStatus {
	a.statusCalls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busyRemaining > 0 {
		a.busyRemaining--
		return types.AgentBusy
	}
	return a.status
}

// Invoke implements types.Agent, tracking in-flight concurrency.
func (a *FakeAgent) Invoke(ctx context.Context, method string, params map[string]any) (*types.Result, error) {
	a.invokeCalls.Add(1)

	n := a.inFlight.Add(1)
	for {
		max := a.maxInFlight.Load()
		if n <= max || a.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	defer a.inFlight.Add(-1)

	a.mu.Lock()
	latency := a.latency
	fn := a.invokeFn
	result := a.result
	invokeErr := a.invokeErr
	a.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}

	if fn != nil {
		return fn(ctx, method, params)
	}
	if invokeErr != nil {
		return nil, invokeErr
	}
	if result != nil {
		out := *result
		return &out, nil
	}
	return &types.Result{Validator: a.id, Passed: true, Severity: types.SeverityInfo}, nil
}

// MaxInFlight returns the highest concurrent Invoke count observed.
func (a *FakeAgent) MaxInFlight() int64 { return a.maxInFlight.Load() }

// StatusCalls returns how many times Status was queried.
func (a *FakeAgent) StatusCalls() int64 { return a.statusCalls.Load() }

// InvokeCalls returns how many times Invoke ran.
func (a *FakeAgent) InvokeCalls() int64 { return a.invokeCalls.Load() }
