package types

import "context"

// =============================================================================
// Minimal Agent Contract
// =============================================================================
// Downstream validator agents are looked up by string id and invoked through
// the gate. This is the smallest contract every agent variant must satisfy;
// placing it here keeps gate, scheduler, and engine free of circular imports.
// =============================================================================

// AgentStatus is the queryable availability state of a downstream agent.
type AgentStatus string

const (
	// AgentReady means the agent will accept an invocation now.
	AgentReady AgentStatus = "READY"
	// AgentBusy means the agent is saturated; callers should back off and retry.
	AgentBusy AgentStatus = "BUSY"
	// AgentError means the agent is unhealthy; invocations will fail.
	AgentError AgentStatus = "ERROR"
)

// Agent is a downstream validator implementation, identified by a unique id.
//
// Status must be cheap: the gate polls it between backoff sleeps. Invoke runs
// one validation method against a content payload; business failures are
// returned as errors and surface to the scheduler unchanged.
type Agent interface {
	// ID returns the agent's unique identifier.
	ID() string
	// Status reports current availability.
	Status(ctx context.Context) AgentStatus
	// Invoke runs the named method with the given parameters.
	Invoke(ctx context.Context, method string, params map[string]any) (*Result, error)
}
