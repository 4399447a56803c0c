// Package checkpoint persists immutable, integrity-verified snapshots of
// in-progress workflow state. Snapshots are wrapped in a versioned
// serialization envelope and tagged with a content digest that every read
// re-verifies; a checkpoint whose digest no longer matches its bytes is
// treated as corrupt and never partially returned.
//
// Only checkpoints taken at tier boundaries are marked resumable. Resuming
// from a mid-tier snapshot cannot guarantee dependency ordering, so Latest
// considers resumable checkpoints only.
package checkpoint
