// Package memory is an in-process TaskQueue with timer-based delayed
// delivery. Tasks do not survive a restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

var ErrClosed = errors.New("memory queue closed")

type Queue struct {
	tasks chan domain.Task
	now   func() time.Time

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	return &Queue{
		tasks:  make(chan domain.Task, buffer),
		now:    time.Now,
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *Queue) Enqueue(ctx context.Context, task domain.Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) EnqueueAfter(ctx context.Context, task domain.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		_ = q.Enqueue(context.Background(), task)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Pending reports delayed tasks that have not fired yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.Task) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.tasks:
			if err := handler(ctx, task); err != nil && !domain.IsKind(err, domain.ErrInvalidInput) {
				// Redeliver shortly, like a broker nak.
				_ = q.EnqueueAfter(context.Background(), task, time.Second)
			}
		}
	}
}

// Close stops delayed deliveries. Tasks already buffered stay consumable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	clear(q.timers)
}
