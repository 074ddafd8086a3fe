package marketsync

import "context"

// ArchiveStore persists terminal operations and their conflicts for hosts
// that need durability. The engine itself keeps operations in memory for its
// lifetime; an archive, when configured, receives a snapshot of every
// operation as it reaches a terminal state.
type ArchiveStore interface {
	// SaveOperation snapshots a terminal operation, including its conflict
	// records. Implementations must tolerate being called once per
	// operation at most.
	SaveOperation(ctx context.Context, op *SyncOperation) error

	// Close releases the store's resources.
	Close() error
}
