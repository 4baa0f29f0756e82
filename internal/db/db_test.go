package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kon-rad/llmtrace/internal/store"
)

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.db")
	dbm, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() {
		_ = dbm.Close()
	}()

	journal, busy, autoVacuum, err := dbm.Pragmas(context.Background())
	if err != nil {
		t.Fatalf("Pragmas() error = %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal mode = %q, want wal", journal)
	}
	if busy != 10000 {
		t.Fatalf("busy_timeout = %d, want 10000", busy)
	}
	if autoVacuum != 2 {
		t.Fatalf("auto_vacuum = %d, want 2", autoVacuum)
	}

	events, prompts, err := dbm.StoredCounts(context.Background())
	if err != nil {
		t.Fatalf("StoredCounts() error = %v", err)
	}
	if events != 0 || prompts != 0 {
		t.Fatalf("stored counts = (%d, %d), want (0, 0)", events, prompts)
	}
}

func TestPropertiesRoundTripAndDelete(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "sdk.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = dbm.Close() }()

	ctx := context.Background()
	if _, err := dbm.GetProperty(ctx, store.PropertyQueue); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetProperty() on empty db error = %v, want ErrNotFound", err)
	}
	if err := dbm.SetProperty(ctx, store.PropertyQueue, []byte(`[1]`)); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	if err := dbm.SetProperty(ctx, store.PropertyQueue, []byte(`[1,2]`)); err != nil {
		t.Fatalf("SetProperty() overwrite error = %v", err)
	}
	got, err := dbm.GetProperty(ctx, store.PropertyQueue)
	if err != nil {
		t.Fatalf("GetProperty() error = %v", err)
	}
	if string(got) != "[1,2]" {
		t.Fatalf("property = %q, want [1,2]", got)
	}
	if err := dbm.SetProperty(ctx, store.PropertyQueue, nil); err != nil {
		t.Fatalf("SetProperty(nil) error = %v", err)
	}
	if _, err := dbm.GetProperty(ctx, store.PropertyQueue); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetProperty() after delete error = %v, want ErrNotFound", err)
	}
}
