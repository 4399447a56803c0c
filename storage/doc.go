// Package storage is the durable workflow and checkpoint store backed by
// GORM. It supports postgres, mysql, and sqlite, and commits a checkpoint
// together with its workflow's step update in one transaction so the pair
// never diverges.
package storage
