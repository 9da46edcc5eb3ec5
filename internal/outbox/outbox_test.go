package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"bitacora/internal/domain"
	"bitacora/internal/outbox"
	"bitacora/internal/store"
)

type pushFunc func(ctx context.Context, entries []domain.Entry) error

func (f pushFunc) Push(ctx context.Context, entries []domain.Entry) error { return f(ctx, entries) }

func newQueue(t *testing.T) (*outbox.Queue, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return outbox.New(store.New(kv, logger), logger), kv
}

func threeEntries() []domain.Entry {
	return []domain.Entry{{ID: "1", Total: 1}, {ID: "2", Total: 2}, {ID: "3", Total: 3}}
}

func TestFlushFailureKeepsQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	if err := q.Enqueue(ctx, threeEntries()...); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	boom := errors.New("relay down")
	calls := 0
	n, err := q.Flush(ctx, pushFunc(func(_ context.Context, batch []domain.Entry) error {
		calls++
		if len(batch) != 3 {
			t.Fatalf("expected one batch of 3, got %d", len(batch))
		}
		return boom
	}))
	if !errors.Is(err, boom) || n != 0 || calls != 1 {
		t.Fatalf("flush = %d, %v (calls %d)", n, err, calls)
	}
	if got := q.Items(ctx); !reflect.DeepEqual(got, threeEntries()) {
		t.Fatalf("queue changed after failed flush: %+v", got)
	}
}

func TestFlushSuccessEmptiesQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	if err := q.Enqueue(ctx, threeEntries()...); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := q.Flush(ctx, pushFunc(func(context.Context, []domain.Entry) error { return nil }))
	if err != nil || n != 3 {
		t.Fatalf("flush = %d, %v", n, err)
	}
	if q.Len(ctx) != 0 {
		t.Fatalf("queue not empty after flush: %+v", q.Items(ctx))
	}
}

func TestFlushEmptyQueueSkipsPush(t *testing.T) {
	q, _ := newQueue(t)
	n, err := q.Flush(context.Background(), pushFunc(func(context.Context, []domain.Entry) error {
		t.Fatalf("push must not be called for an empty queue")
		return nil
	}))
	if n != 0 || err != nil {
		t.Fatalf("flush = %d, %v", n, err)
	}
}

func TestEnqueueDuringFlushSurvives(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	if err := q.Enqueue(ctx, domain.Entry{ID: "1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := q.Flush(ctx, pushFunc(func(ctx context.Context, _ []domain.Entry) error {
		return q.Enqueue(ctx, domain.Entry{ID: "late"})
	}))
	if err != nil || n != 1 {
		t.Fatalf("flush = %d, %v", n, err)
	}
	items := q.Items(ctx)
	if len(items) != 1 || items[0].ID != "late" {
		t.Fatalf("expected late entry to remain, got %+v", items)
	}
}

func TestEnqueueDoesNotDeduplicate(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, domain.Entry{ID: "same"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if q.Len(ctx) != 2 {
		t.Fatalf("expected duplicates to be kept, got %d", q.Len(ctx))
	}
}

func TestCorruptQueueReadsEmpty(t *testing.T) {
	ctx := context.Background()
	q, kv := newQueue(t)
	if err := kv.Put(ctx, store.OutboxKey, "[{"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if q.Len(ctx) != 0 {
		t.Fatalf("expected empty queue")
	}
	if err := q.Enqueue(ctx, domain.Entry{ID: "x"}); err != nil {
		t.Fatalf("enqueue over corrupt queue: %v", err)
	}
	if q.Len(ctx) != 1 {
		t.Fatalf("expected 1 item, got %d", q.Len(ctx))
	}
}
