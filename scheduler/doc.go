// Package scheduler plans and executes tiered validator runs. A Plan is a
// validated dependency graph of validators grouped into ordered tiers; a
// Scheduler drives the plan against a Caller, joining each tier before the
// next one starts so that tier boundaries are safe points to persist state.
package scheduler
