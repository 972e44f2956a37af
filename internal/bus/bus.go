package bus

import (
	"log/slog"
	"sync"
	"time"
)

const defaultPublishTimeout = 10 * time.Second

// Queue is a bounded, channel-backed queue with a single consumer. Publish
// waits for room instead of dropping, up to a timeout.
type Queue[T any] struct {
	ch      chan T
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a Queue with the given buffer size.
func New[T any](bufferSize int, logger *slog.Logger) *Queue[T] {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		ch:      make(chan T, bufferSize),
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

// SetPublishTimeout overrides how long Publish waits on a full queue.
func (q *Queue[T]) SetPublishTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timeout = d
}

// Publish enqueues v. It blocks while the queue is full, up to the publish
// timeout, and reports whether v was accepted.
func (q *Queue[T]) Publish(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue")
		return false
	}

	select {
	case q.ch <- v:
		return true
	default:
	}

	q.logger.Warn("queue full, waiting...", "capacity", cap(q.ch))
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.ch <- v:
		q.logger.Info("event delivered after wait")
		return true
	case <-timer.C:
		q.logger.Error("event dropped: queue full", "waited", q.timeout)
		return false
	}
}

// C returns the receive side. It is closed by Close.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Close stops accepting items and closes the receive side. Queued items can
// still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
