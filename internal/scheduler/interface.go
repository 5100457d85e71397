package scheduler

import (
	"context"

	"github.com/mattjoyce/hookrelay/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/hookrelay/internal/scheduler Store,Sweeper

// Store is the queue maintenance surface the scheduler drives.
type Store interface {
	ReclaimExpired(ctx context.Context) (int, error)
	PruneDedup(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Sweeper evicts idle in-memory state, such as rate limiter buckets.
type Sweeper interface {
	Sweep() int
}
