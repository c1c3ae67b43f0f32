package store

import (
	"context"

	"github.com/me/evalflow/pkg/model"
)

// Queue is the work-queue bookkeeping shared by every worker of a run: the
// FIFO of pending units, the workers each unit was allocated to, and the
// finished list.
type Queue interface {
	// Enqueue appends units to the queue in order.
	Enqueue(ctx context.Context, units []model.BenchmarkConfig) error
	// Checkout pops the oldest queued unit. It returns nil when the queue is
	// empty.
	Checkout(ctx context.Context) (*model.BenchmarkConfig, error)
	// Allocate records that worker picked up unitID.
	Allocate(ctx context.Context, unitID, worker string) error
	// Finish marks unitID finished. Finishing twice records it once.
	Finish(ctx context.Context, unitID string) error
	// Retry puts a failed unit back on the queue while it has been allocated
	// fewer than budget times, and reports whether it did. cause is kept as
	// the unit's last error.
	Retry(ctx context.Context, unitID string, budget int, cause string) (*model.RetryResponse, error)
	// Status returns the finished and unfinished units with their
	// allocations.
	Status(ctx context.Context) (*model.UnitStatus, error)
}

// Lifecycle is implemented by stores that own external resources.
type Lifecycle interface {
	Close() error
	Migrate(ctx context.Context) error
}
