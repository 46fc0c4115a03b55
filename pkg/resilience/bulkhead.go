package resilience

import (
	"context"
	"sync"

	"github.com/fusebox-dev/fusebox/pkg/errors"
)

// Bulkhead bounds concurrent calls to one dependency with a buffered
// channel semaphore. With QueueSize zero, calls beyond the limit are
// rejected immediately; with QueueSize > 0, up to QueueSize callers wait
// in FIFO order for a permit, bounded by their context deadline. The
// caller that would exceed the queue bound is rejected immediately.
type Bulkhead struct {
	name string
	sem  chan struct{}

	mu       sync.Mutex
	queueCap int
	active   int
	queued   int
	rejected int64
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent calls
func NewBulkhead(name string, maxConcurrent, queueSize int) *Bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Bulkhead{
		name:     name,
		sem:      make(chan struct{}, maxConcurrent),
		queueCap: queueSize,
	}
}

// Acquire obtains a permit. It returns a BULKHEAD_FULL error when the
// bulkhead is at capacity and the queue bound is reached, or when the
// context ends while waiting.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		b.mu.Lock()
		b.active++
		b.mu.Unlock()
		return nil
	default:
	}

	b.mu.Lock()
	if b.queueCap == 0 || b.queued >= b.queueCap {
		b.rejected++
		b.mu.Unlock()
		return errors.NewBulkheadFullError(b.name)
	}
	b.queued++
	b.mu.Unlock()

	select {
	case b.sem <- struct{}{}:
		b.mu.Lock()
		b.queued--
		b.active++
		b.mu.Unlock()
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.queued--
		b.rejected++
		b.mu.Unlock()
		return errors.NewBulkheadFullError(b.name).WithCause(ctx.Err())
	}
}

// Release returns a permit. Releasing more than was acquired is a no-op,
// so the active count floors at zero.
func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
		b.mu.Lock()
		if b.active > 0 {
			b.active--
		}
		b.mu.Unlock()
	default:
	}
}

// Execute runs fn while holding a permit
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	return fn(ctx)
}

// BulkheadStatus is a point-in-time view of a bulkhead
type BulkheadStatus struct {
	ActiveCalls        int   `json:"active_calls"`
	QueuedCalls        int   `json:"queued_calls"`
	MaxConcurrentCalls int   `json:"max_concurrent_calls"`
	QueueSize          int   `json:"queue_size"`
	RejectedCalls      int64 `json:"rejected_calls"`
}

func (b *Bulkhead) status() BulkheadStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadStatus{
		ActiveCalls:        b.active,
		QueuedCalls:        b.queued,
		MaxConcurrentCalls: cap(b.sem),
		QueueSize:          b.queueCap,
		RejectedCalls:      b.rejected,
	}
}
