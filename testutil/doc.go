// Package testutil provides shared test doubles for the orchestration core:
// fake validator agents with scriptable status, latency, and error injection,
// plus in-flight tracking for asserting per-agent concurrency ceilings.
package testutil
