package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func TestInsertPromptVersionsAndMovesLabels(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	ctx := context.Background()
	first, err := dbm.InsertPrompt(ctx, PromptInsert{
		Name:   "greeting",
		Type:   "text",
		Prompt: `"Hello {{name}}"`,
		Labels: []string{"production"},
	})
	if err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("first version = %d, want 1", first.Version)
	}

	second, err := dbm.InsertPrompt(ctx, PromptInsert{
		Name:   "greeting",
		Type:   "text",
		Prompt: `"Hi {{name}}"`,
		Tags:   []string{"short"},
	})
	if err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("second version = %d, want 2", second.Version)
	}

	prod, err := dbm.PromptByLabel(ctx, "greeting", "production")
	if err != nil {
		t.Fatalf("by production label: %v", err)
	}
	if prod.Version != 1 {
		t.Fatalf("production version = %d, want 1", prod.Version)
	}
	if slices.Contains(prod.Labels, LatestLabel) {
		t.Fatalf("v1 labels = %v, latest should have moved to v2", prod.Labels)
	}

	latest, err := dbm.PromptByLabel(ctx, "greeting", LatestLabel)
	if err != nil {
		t.Fatalf("by latest label: %v", err)
	}
	if latest.Version != 2 || latest.Prompt != `"Hi {{name}}"` {
		t.Fatalf("latest = %+v, want v2", latest)
	}
	if !slices.Equal(latest.Tags, []string{"short"}) {
		t.Fatalf("latest tags = %v, want [short]", latest.Tags)
	}

	third, err := dbm.InsertPrompt(ctx, PromptInsert{Name: "greeting", Type: "text", Prompt: `"Hey"`, Labels: []string{"production"}})
	if err != nil {
		t.Fatalf("insert v3: %v", err)
	}
	prod, err = dbm.PromptByLabel(ctx, "greeting", "production")
	if err != nil {
		t.Fatalf("by production label after move: %v", err)
	}
	if prod.Version != third.Version {
		t.Fatalf("production version = %d, want %d", prod.Version, third.Version)
	}

	v1, err := dbm.PromptByVersion(ctx, "greeting", 1)
	if err != nil {
		t.Fatalf("by version: %v", err)
	}
	if len(v1.Labels) != 0 {
		t.Fatalf("v1 labels = %v, want none", v1.Labels)
	}
}

func TestPromptLookupMissing(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	if _, err := dbm.PromptByLabel(context.Background(), "nope", "production"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("PromptByLabel() error = %v, want sql.ErrNoRows", err)
	}
	if _, err := dbm.PromptByVersion(context.Background(), "nope", 1); !errors.Is(err, ErrNoRows) {
		t.Fatalf("PromptByVersion() error = %v, want ErrNoRows", err)
	}
}
