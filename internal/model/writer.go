package model

import "context"

// Writer defines a generic interface for persisting flushed snapshots.
type Writer interface {
	// Name identifies the writer in logs and metrics.
	Name() string

	// Commit persists one snapshot. It is called from the manager goroutine only and
	// is invoked even when the snapshot is empty.
	Commit(ctx context.Context, snapshot Snapshot) error

	// Close releases the writer's resources.
	Close() error
}
