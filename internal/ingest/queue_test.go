package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kon-rad/llmtrace/internal/logging"
	"github.com/kon-rad/llmtrace/internal/store"
)

func TestQueueEnqueueDrainRequeueKeepsOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(nil, logging.Discard())
	for _, id := range []string{"a", "b", "c", "d"} {
		n, err := q.Enqueue(ctx, &Item{ID: id, Type: EventEventCreate, Body: &ObservationBody{ID: id}})
		require.NoError(t, err)
		require.Greater(t, n, 0)
	}
	require.Equal(t, 4, q.Len())

	processed, dropped := q.Drain(ctx, 2, DefaultMaxMessageBytes, DefaultMaxBatchBytes)
	require.Equal(t, []string{"a", "b"}, ids(processed))
	require.Empty(t, dropped)
	require.Equal(t, 2, q.Len())

	_, err := q.Enqueue(ctx, &Item{ID: "e", Type: EventEventCreate, Body: &ObservationBody{ID: "e"}})
	require.NoError(t, err)

	q.Requeue(ctx, processed)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(q.Snapshot()))
	require.Equal(t, "a", q.Peek().ID)
}

func TestQueueDrainRemovesOversizedItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(nil, logging.Discard())
	for _, it := range []*Item{sizedItem(t, "a", 100), sizedItem(t, "big", 2000), sizedItem(t, "c", 100)} {
		_, err := q.Enqueue(ctx, it)
		require.NoError(t, err)
	}

	processed, dropped := q.Drain(ctx, 0, 1000, 10_000)
	require.Equal(t, []string{"a", "c"}, ids(processed))
	require.Equal(t, []string{"big"}, ids(dropped))
	require.Zero(t, q.Len())
	require.Nil(t, q.Peek())
}

func TestQueueEncodeFailureIsReturned(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, logging.Discard())
	_, err := q.Enqueue(context.Background(), &Item{ID: "x", Type: EventSDKLog, Body: &SDKLogBody{Log: make(chan int)}})
	require.Error(t, err)
	require.Zero(t, q.Len())
}

func TestQueuePersistsSnapshotAndRestores(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	q := NewQueue(st, logging.Discard())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := NewItem(EventTraceCreate, &TraceBody{ID: "t1", Name: "chat"}, now)
	second := NewItem(EventScoreCreate, &ScoreBody{ID: "s1", TraceID: "t1", Name: "quality", Value: 0.9}, now)
	_, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)

	raw, err := st.GetProperty(ctx, store.PropertyQueue)
	require.NoError(t, err)
	var persisted []map[string]any
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Len(t, persisted, 2)
	require.Equal(t, first.ID, persisted[0]["id"])

	restored := NewQueue(st, logging.Discard())
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	snap := restored.Snapshot()
	require.Equal(t, []string{first.ID, second.ID}, ids(snap))
	require.Equal(t, first.Size(), snap[0].Size())
	require.JSONEq(t, string(first.Raw()), string(snap[0].Raw()))

	processed, _ := restored.Drain(ctx, 0, DefaultMaxMessageBytes, DefaultMaxBatchBytes)
	require.Len(t, processed, 2)
	_, err = st.GetProperty(ctx, store.PropertyQueue)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueueRestoreSkipsUnreadableEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetProperty(ctx, store.PropertyQueue, []byte(`[
		{"id":"ok","type":"sdk-log","timestamp":"2026-01-01T00:00:00.000Z","body":{"log":"x"}},
		{"id":"bad","type":"not-a-type","timestamp":"2026-01-01T00:00:00.000Z","body":{}},
		42
	]`)))

	q := NewQueue(st, logging.Discard())
	n, err := q.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ok", q.Peek().ID)
}

func TestQueueRestoreWithoutSnapshot(t *testing.T) {
	t.Parallel()

	q := NewQueue(store.NewMemory(), logging.Discard())
	n, err := q.Restore(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueueClearEmptiesQueueAndSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	q := NewQueue(st, logging.Discard())
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, &Item{ID: id, Type: EventEventCreate, Body: &ObservationBody{ID: id}})
		require.NoError(t, err)
	}

	require.Equal(t, []string{"a", "b"}, ids(q.Clear(ctx)))
	require.Zero(t, q.Len())
	require.Empty(t, q.Clear(ctx))

	_, err := st.GetProperty(ctx, store.PropertyQueue)
	require.ErrorIs(t, err, store.ErrNotFound)
}
