// Package state defines the ephemeral per-execution coordination store.
// Unlike the repository this data is disposable: it carries the cooperative
// cancellation flag and the completed/failed node sets the scheduler shares
// with observers, and it expires on its own once an execution is done.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Flags the scheduler and engine exchange through the store.
const (
	FlagRunning         = "RUNNING"
	FlagCancelRequested = "CANCEL_REQUESTED"
)

// DefaultTTL is how long execution state survives after its last write.
const DefaultTTL = 24 * time.Hour

// Snapshot is a point-in-time view of one execution's coordination state.
type Snapshot struct {
	StatusFlag string
	Completed  []string
	Failed     []string
}

// Store is the ephemeral execution state shared between the engine, the
// scheduler and external observers. Entries expire after the TTL given to
// Init; a missing entry reads as core.ErrNotFound.
type Store interface {
	// Init creates the state entry with status flag RUNNING. An existing
	// entry keeps its flag and only has its expiry refreshed, so a
	// cancellation requested before the scheduler starts is not lost.
	Init(ctx context.Context, executionID uuid.UUID, ttl time.Duration) error
	// SetStatusFlag overwrites the status flag.
	SetStatusFlag(ctx context.Context, executionID uuid.UUID, flag string) error
	// StatusFlag reads the current status flag.
	StatusFlag(ctx context.Context, executionID uuid.UUID) (string, error)
	// AddCompleted records a node key as successfully completed.
	AddCompleted(ctx context.Context, executionID uuid.UUID, nodeKey string) error
	// AddFailed records a node key as failed or timed out.
	AddFailed(ctx context.Context, executionID uuid.UUID, nodeKey string) error
	// Snapshot reads the flag and both node sets in one shot.
	Snapshot(ctx context.Context, executionID uuid.UUID) (*Snapshot, error)
	// Clear removes the entry ahead of its TTL.
	Clear(ctx context.Context, executionID uuid.UUID) error
}
