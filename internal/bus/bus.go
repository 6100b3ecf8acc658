package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ocrbot/internal/domain"
)

const defaultPublishTimeout = 5 * time.Second

var (
	// ErrClosed is returned when publishing to a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned when the queue stayed full for the publish timeout.
	ErrFull = errors.New("queue full")
)

// Queue is a Go-channel based hand-off between the webhook handler and the
// pipeline workers.
type Queue struct {
	events         chan domain.InboundEvent
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

var _ domain.EventQueue = (*Queue)(nil)

// New creates a Queue with the given buffer size.
func New(bufferSize int, publishTimeout time.Duration, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &Queue{
		events:         make(chan domain.InboundEvent, bufferSize),
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

// Publish enqueues evt. When the buffer is full it waits up to the publish
// timeout (or ctx) instead of dropping, then reports ErrFull.
func (q *Queue) Publish(ctx context.Context, evt domain.InboundEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.events <- evt:
		return nil
	default:
	}

	q.logger.Warn("event queue full, waiting", "chat_id", evt.ConversationID, "update_id", evt.UpdateID)
	timer := time.NewTimer(q.publishTimeout)
	defer timer.Stop()
	select {
	case q.events <- evt:
		return nil
	case <-timer.C:
		q.logger.Error("event rejected: queue full", "chat_id", evt.ConversationID, "update_id", evt.UpdateID)
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Subscribe() <-chan domain.InboundEvent {
	return q.events
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Close stops accepting events. Buffered events remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.events)
	}
}
