// Package engine drives workflows through their life cycle. It owns the
// workflow state machine, runs tiered validation through the scheduler,
// writes a resumable checkpoint at every tier boundary, and exposes
// pause/resume/cancel control. Pause and cancel take effect at tier
// boundaries only, never mid-tier, so every resumable checkpoint is
// consistent with the dependency ordering the scheduler guarantees.
package engine
