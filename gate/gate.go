// Package gate mediates every call from the scheduler to a downstream
// validator agent. It enforces a per-agent concurrency ceiling through a
// weighted semaphore and applies a uniform busy-retry policy with exponential
// backoff, independent of what the agent does.
//
// The per-agent semaphore is the only mutable shared resource of the
// orchestration core and is owned exclusively by this package.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/internal/metrics"
	"github.com/BaSui01/validflow/types"
)

// Call outcomes recorded in AgentCallRecord and metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeBusyRetry = "busy_retry"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
)

// AgentCallRecord captures one attempt to invoke a downstream agent. Records
// are ephemeral: they feed the optional observer and metrics, never storage.
type AgentCallRecord struct {
	AgentID   string    `json:"agent_id"`
	Method    string    `json:"method"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	Outcome   string    `json:"outcome"`
}

// Options configures the gate.
type Options struct {
	// DefaultLimit is the concurrency ceiling for agents without an entry in
	// Limits. Must be positive.
	DefaultLimit int64

	// Limits maps agent id to its concurrency ceiling.
	Limits map[string]int64

	// Backoff is the busy-retry schedule.
	Backoff BackoffPolicy

	// RetryTimeout is the wall-clock deadline for a whole call, spanning all
	// busy retries. Zero means no deadline beyond the caller's context.
	RetryTimeout time.Duration

	// StatusPollRate/StatusPollBurst pace status queries per agent so a hot
	// retry loop cannot hammer an agent's status endpoint.
	StatusPollRate  float64
	StatusPollBurst int

	// OnRecord, when set, receives a record for every attempt.
	OnRecord func(AgentCallRecord)
}

// OptionsFromConfig builds gate options from the loaded configuration.
func OptionsFromConfig(cfg config.GateConfig) Options {
	return Options{
		DefaultLimit: cfg.DefaultLimit,
		Limits:       cfg.Limits,
		Backoff: BackoffPolicy{
			Base:       cfg.BackoffBase,
			Cap:        cfg.BackoffCap,
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     cfg.Jitter,
		},
		RetryTimeout:    cfg.RetryTimeout,
		StatusPollRate:  cfg.StatusPollRate,
		StatusPollBurst: cfg.StatusPollBurst,
	}
}

// Gate is the admission layer between the scheduler and downstream agents.
type Gate struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex // guards sems/pollers creation
	sems    map[string]*semaphore.Weighted
	pollers map[string]*rate.Limiter
}

// New creates a gate over the given registry. logger may be nil; collector
// may be nil to disable metrics.
func New(registry *Registry, opts Options, logger *zap.Logger, collector *metrics.Collector) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 1
	}
	if opts.Backoff.Multiplier < 1.0 {
		opts.Backoff = DefaultBackoffPolicy()
	}
	return &Gate{
		registry: registry,
		opts:     opts,
		logger:   logger.With(zap.String("component", "agent_gate")),
		metrics:  collector,
		sems:     make(map[string]*semaphore.Weighted),
		pollers:  make(map[string]*rate.Limiter),
	}
}

// limitFor returns the configured ceiling for an agent.
func (g *Gate) limitFor(agentID string) int64 {
	if limit, ok := g.opts.Limits[agentID]; ok && limit > 0 {
		return limit
	}
	return g.opts.DefaultLimit
}

// semFor returns (lazily creating) the agent's semaphore.
func (g *Gate) semFor(agentID string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.sems[agentID]
	if !ok {
		sem = semaphore.NewWeighted(g.limitFor(agentID))
		g.sems[agentID] = sem
	}
	return sem
}

// pollerFor returns (lazily creating) the agent's status-poll limiter.
func (g *Gate) pollerFor(agentID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.pollers[agentID]
	if !ok {
		r := g.opts.StatusPollRate
		if r <= 0 {
			r = float64(rate.Inf)
		}
		burst := g.opts.StatusPollBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r), burst)
		g.pollers[agentID] = lim
	}
	return lim
}

func (g *Gate) record(rec AgentCallRecord) {
	if g.opts.OnRecord != nil {
		g.opts.OnRecord(rec)
	}
}

// Call invokes method on the agent identified by agentID, respecting the
// agent's concurrency ceiling and the busy-retry policy.
//
// timeout bounds semaphore acquisition and the invocation itself; when the
// slot cannot be acquired in time the agent is never invoked and a TIMEOUT
// error is returned. A BUSY agent releases the slot, backs off, and retries
// until the gate's RetryTimeout deadline. Business errors from the agent
// propagate unchanged.
func (g *Gate) Call(ctx context.Context, agentID, method string, params map[string]any, timeout time.Duration) (*types.Result, error) {
	agent, err := g.registry.Resolve(agentID)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	deadline := time.Time{}
	if g.opts.RetryTimeout > 0 {
		deadline = time.Now().Add(g.opts.RetryTimeout)
	}

	sem := g.semFor(agentID)
	poller := g.pollerFor(agentID)
	started := time.Now()

	for attempt := 0; ; attempt++ {
		rec := AgentCallRecord{
			AgentID:   agentID,
			Method:    method,
			Attempt:   attempt,
			StartedAt: time.Now(),
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			rec.Outcome = OutcomeTimeout
			g.record(rec)
			g.metrics.RecordGateCall(agentID, OutcomeTimeout, time.Since(started))
			return nil, types.NewErrorf(types.ErrTimeout, "no free slot for agent %q within timeout", agentID).
				WithAgent(agentID).WithCause(err)
		}
		g.metrics.GateAdmitted(agentID)

		if err := poller.Wait(ctx); err != nil {
			sem.Release(1)
			g.metrics.GateReleased(agentID)
			rec.Outcome = OutcomeTimeout
			g.record(rec)
			return nil, types.NewErrorf(types.ErrTimeout, "status poll for agent %q cancelled", agentID).
				WithAgent(agentID).WithCause(err)
		}

		switch status := agent.Status(ctx); status {
		case types.AgentBusy:
			sem.Release(1)
			g.metrics.GateReleased(agentID)
			g.metrics.RecordGateRetry(agentID)
			rec.Outcome = OutcomeBusyRetry
			g.record(rec)

			delay := g.opts.Backoff.Delay(attempt)
			if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
				g.metrics.RecordGateCall(agentID, OutcomeTimeout, time.Since(started))
				// Retry-deadline exhaustion means the agent never accepted the
				// call at all; callers treat this as an availability failure,
				// not a per-call timeout.
				return nil, types.NewErrorf(types.ErrAgentUnavailable, "agent %q stayed busy past the retry deadline", agentID).
					WithAgent(agentID)
			}
			g.logger.Debug("agent busy, backing off",
				zap.String("agent_id", agentID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				g.metrics.RecordGateCall(agentID, OutcomeTimeout, time.Since(started))
				return nil, types.NewErrorf(types.ErrTimeout, "call to agent %q cancelled during backoff", agentID).
					WithAgent(agentID).WithCause(ctx.Err())
			case <-time.After(delay):
			}
			continue

		case types.AgentError:
			sem.Release(1)
			g.metrics.GateReleased(agentID)
			rec.Outcome = OutcomeError
			g.record(rec)
			g.metrics.RecordGateCall(agentID, OutcomeError, time.Since(started))
			return nil, types.NewErrorf(types.ErrAgentFailed, "agent %q reports unhealthy status", agentID).
				WithAgent(agentID)

		default: // READY
			result, invokeErr := agent.Invoke(ctx, method, params)
			sem.Release(1)
			g.metrics.GateReleased(agentID)

			if invokeErr != nil {
				if errors.Is(invokeErr, context.DeadlineExceeded) {
					rec.Outcome = OutcomeTimeout
					g.record(rec)
					g.metrics.RecordGateCall(agentID, OutcomeTimeout, time.Since(started))
					return nil, types.NewErrorf(types.ErrTimeout, "agent %q call exceeded its timeout", agentID).
						WithAgent(agentID).WithCause(invokeErr)
				}
				// Business errors surface as-is; the scheduler records them
				// against the validator, not the gate.
				rec.Outcome = OutcomeError
				g.record(rec)
				g.metrics.RecordGateCall(agentID, OutcomeError, time.Since(started))
				return nil, invokeErr
			}

			rec.Outcome = OutcomeSuccess
			g.record(rec)
			g.metrics.RecordGateCall(agentID, OutcomeSuccess, time.Since(started))
			return result, nil
		}
	}
}
