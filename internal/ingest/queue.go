package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kon-rad/llmtrace/internal/store"
)

// Queue is the ordered in-memory buffer of pending items. Every mutation
// writes a snapshot through the configured store so a restarted process can
// pick up undelivered items.
type Queue struct {
	mu    sync.Mutex
	items []*Item

	persistMu sync.Mutex
	store     store.Store
	logger    *slog.Logger
}

// NewQueue returns an empty queue. A nil store disables persistence.
func NewQueue(st store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, logger: logger}
}

// Enqueue appends it and returns the new queue length. The item is encoded
// here so size accounting never changes afterwards.
func (q *Queue) Enqueue(ctx context.Context, it *Item) (int, error) {
	if it.raw == nil {
		if err := it.Encode(); err != nil {
			return 0, err
		}
	}
	q.mu.Lock()
	q.items = append(q.items, it)
	n := len(q.items)
	q.mu.Unlock()

	q.persist(ctx)
	return n, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes the next batch from the front of the queue. Oversized items
// are removed too and returned in dropped.
func (q *Queue) Drain(ctx context.Context, maxCount, maxMessageBytes, maxBatchBytes int) (processed, dropped []*Item) {
	q.mu.Lock()
	processed, remaining, dropped := Drain(q.items, maxCount, maxMessageBytes, maxBatchBytes)
	q.items = remaining
	changed := len(processed) > 0 || len(dropped) > 0
	q.mu.Unlock()

	if changed {
		q.persist(ctx)
	}
	return processed, dropped
}

// Requeue puts items back at the front, ahead of anything enqueued since
// they were drained, keeping their relative order.
func (q *Queue) Requeue(ctx context.Context, items []*Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]*Item, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	q.mu.Unlock()

	q.persist(ctx)
}

// Clear removes and returns every queued item.
func (q *Queue) Clear(ctx context.Context) []*Item {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	if len(items) > 0 {
		q.persist(ctx)
	}
	return items
}

// Peek returns the item at the front without removing it.
func (q *Queue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Snapshot returns a copy of the queued items in order.
func (q *Queue) Snapshot() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Item(nil), q.items...)
}

// Restore loads a persisted snapshot and appends its items behind anything
// already queued. Entries that no longer decode are skipped.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	raw, err := q.store.GetProperty(ctx, store.PropertyQueue)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("decode queue: %w", err)
	}

	restored := make([]*Item, 0, len(entries))
	for _, entry := range entries {
		var decoded struct {
			ID        string          `json:"id"`
			Type      EventType       `json:"type"`
			Timestamp string          `json:"timestamp"`
			Body      json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(entry, &decoded); err != nil || decoded.ID == "" || !decoded.Type.Valid() {
			q.logger.Warn("skipping unreadable persisted item", "error", err)
			continue
		}
		restored = append(restored, &Item{
			ID:        decoded.ID,
			Type:      decoded.Type,
			Timestamp: decoded.Timestamp,
			Body:      decoded.Body,
			raw:       append([]byte(nil), entry...),
		})
	}
	if len(restored) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	q.items = append(q.items, restored...)
	q.mu.Unlock()
	q.persist(ctx)
	return len(restored), nil
}

func (q *Queue) persist(ctx context.Context) {
	if q.store == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	var value []byte
	if len(q.items) > 0 {
		entries := make([]json.RawMessage, len(q.items))
		for i, it := range q.items {
			entries[i] = it.raw
		}
		var err error
		value, err = json.Marshal(entries)
		if err != nil {
			q.mu.Unlock()
			q.logger.Warn("queue snapshot encode failed", "error", err)
			return
		}
	}
	q.mu.Unlock()

	if err := q.store.SetProperty(ctx, store.PropertyQueue, value); err != nil {
		q.logger.Warn("queue snapshot write failed", "error", err)
	}
}
