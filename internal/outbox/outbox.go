// Package outbox holds entries whose delivery failed until a flush succeeds.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"bitacora/internal/domain"
)

// Backend persists the whole queue as one value.
type Backend interface {
	LoadOutbox(ctx context.Context) ([]domain.Entry, error)
	SaveOutbox(ctx context.Context, items []domain.Entry) error
}

// Pusher delivers one batch. It must not touch the queue.
type Pusher interface {
	Push(ctx context.Context, entries []domain.Entry) error
}

type Queue struct {
	Backend Backend
	Logger  *slog.Logger

	// mu serializes read-modify-write cycles; flushMu keeps one flush in
	// flight so a batch is never pushed twice concurrently.
	mu      sync.Mutex
	flushMu sync.Mutex
}

func New(backend Backend, logger *slog.Logger) *Queue {
	return &Queue{Backend: backend, Logger: logger}
}

func (q *Queue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

// load never fails: an unreadable queue is empty.
func (q *Queue) load(ctx context.Context) []domain.Entry {
	items, err := q.Backend.LoadOutbox(ctx)
	if err != nil {
		q.logger().Warn("outbox unreadable; treating as empty", "err", err)
		return nil
	}
	return items
}

// Enqueue appends entries and persists the whole queue. Entries already
// queued or delivered are not deduplicated.
func (q *Queue) Enqueue(ctx context.Context, entries ...domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := append(q.load(ctx), domain.CloneEntries(entries)...)
	if err := q.Backend.SaveOutbox(ctx, items); err != nil {
		return fmt.Errorf("persist outbox: %w", err)
	}
	q.logger().Debug("outbox enqueue", "added", len(entries), "size", len(items))
	return nil
}

func (q *Queue) Items(ctx context.Context) []domain.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) Len(ctx context.Context) int {
	return len(q.Items(ctx))
}

// Flush pushes the current queue as one batch. On success the delivered
// entries are removed; entries enqueued while the push was in flight stay
// queued. On failure the queue is left as it was and the push error is
// returned. An empty queue returns (0, nil) without calling the pusher.
func (q *Queue) Flush(ctx context.Context, p Pusher) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.Items(ctx)
	if len(batch) == 0 {
		return 0, nil
	}
	if err := p.Push(ctx, batch); err != nil {
		q.logger().Info("outbox flush failed", "size", len(batch), "err", err)
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	current := q.load(ctx)
	var rest []domain.Entry
	if len(current) > len(batch) {
		rest = current[len(batch):]
	}
	if err := q.Backend.SaveOutbox(ctx, rest); err != nil {
		return len(batch), fmt.Errorf("persist outbox after flush: %w", err)
	}
	q.logger().Info("outbox flushed", "delivered", len(batch), "remaining", len(rest))
	return len(batch), nil
}
