// Package types defines the shared vocabulary of the validation
// orchestration core: validator results, severities, agent status, and the
// structured error model used across every component.
//
// It is the lowest-level package with no internal dependencies, so the
// interfaces shared by the gate, scheduler, and engine live here to avoid
// circular imports.
package types
