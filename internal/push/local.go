package push

import (
	"context"
	"net/http"
	"sync"

	"github.com/kon-rad/llmtrace/internal/ingest"
)

// LocalExporter stands in for the network when events are exported locally.
// Every batch is accepted and kept in memory.
type LocalExporter struct {
	mu    sync.Mutex
	items []*ingest.Item
}

func NewLocalExporter() *LocalExporter {
	return &LocalExporter{}
}

func (e *LocalExporter) Send(_ context.Context, items []*ingest.Item) (Result, error) {
	e.mu.Lock()
	e.items = append(e.items, items...)
	e.mu.Unlock()
	return Result{Status: http.StatusOK, Delivered: items}, nil
}

// Items returns everything exported so far in delivery order.
func (e *LocalExporter) Items() []*ingest.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*ingest.Item(nil), e.items...)
}
