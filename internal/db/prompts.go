package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
)

const LatestLabel = "latest"

type PromptInsert struct {
	Name      string
	Type      string
	Prompt    string
	Config    string
	Labels    []string
	Tags      []string
	CreatedAt int64
}

type PromptRow struct {
	Name      string
	Version   int
	Type      string
	Prompt    string
	Config    string
	Labels    []string
	Tags      []string
	CreatedAt int64
}

// InsertPrompt stores the next version of a prompt. Every new version takes
// the latest label, and any label it carries is moved off older versions.
func (m *Manager) InsertPrompt(ctx context.Context, in PromptInsert) (PromptRow, error) {
	labels := []string{LatestLabel}
	for _, l := range in.Labels {
		if l != "" && !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return PromptRow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var version int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM prompts WHERE name = ?", in.Name).Scan(&version); err != nil {
		return PromptRow{}, fmt.Errorf("next prompt version: %w", err)
	}
	version++

	if err := moveLabels(ctx, tx, in.Name, labels); err != nil {
		return PromptRow{}, err
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return PromptRow{}, fmt.Errorf("encode labels: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return PromptRow{}, fmt.Errorf("encode tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO prompts (name, version, prompt_type, prompt, config, labels, tags, created_at)
VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
`, in.Name, version, in.Type, in.Prompt, in.Config, string(labelsJSON), string(tagsJSON), in.CreatedAt); err != nil {
		return PromptRow{}, fmt.Errorf("insert prompt %s: %w", in.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return PromptRow{}, fmt.Errorf("commit tx: %w", err)
	}
	return PromptRow{
		Name:      in.Name,
		Version:   version,
		Type:      in.Type,
		Prompt:    in.Prompt,
		Config:    in.Config,
		Labels:    labels,
		Tags:      tags,
		CreatedAt: in.CreatedAt,
	}, nil
}

func moveLabels(ctx context.Context, tx *sql.Tx, name string, labels []string) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, labels FROM prompts WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("load prompt labels: %w", err)
	}
	type update struct {
		id     int64
		labels string
	}
	var updates []update
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var existing []string
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			existing = nil
		}
		kept := slices.DeleteFunc(slices.Clone(existing), func(l string) bool {
			return slices.Contains(labels, l)
		})
		if len(kept) == len(existing) {
			continue
		}
		encoded, err := json.Marshal(kept)
		if err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, update{id: id, labels: string(encoded)})
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, "UPDATE prompts SET labels = ? WHERE id = ?", u.labels, u.id); err != nil {
			return fmt.Errorf("move prompt labels: %w", err)
		}
	}
	return nil
}

func (m *Manager) PromptByVersion(ctx context.Context, name string, version int) (PromptRow, error) {
	return m.scanPrompt(m.reader.QueryRowContext(ctx, `
SELECT name, version, prompt_type, prompt, COALESCE(config,''), labels, tags, created_at
FROM prompts
WHERE name = ? AND version = ?
`, name, version))
}

func (m *Manager) PromptByLabel(ctx context.Context, name, label string) (PromptRow, error) {
	return m.scanPrompt(m.reader.QueryRowContext(ctx, `
SELECT p.name, p.version, p.prompt_type, p.prompt, COALESCE(p.config,''), p.labels, p.tags, p.created_at
FROM prompts p, json_each(p.labels) l
WHERE p.name = ? AND l.value = ?
ORDER BY p.version DESC
LIMIT 1
`, name, label))
}

func (m *Manager) scanPrompt(row *sql.Row) (PromptRow, error) {
	var out PromptRow
	var labels, tags string
	if err := row.Scan(
		&out.Name,
		&out.Version,
		&out.Type,
		&out.Prompt,
		&out.Config,
		&labels,
		&tags,
		&out.CreatedAt,
	); err != nil {
		return PromptRow{}, err
	}
	if err := json.Unmarshal([]byte(labels), &out.Labels); err != nil {
		return PromptRow{}, fmt.Errorf("decode labels: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &out.Tags); err != nil {
		return PromptRow{}, fmt.Errorf("decode tags: %w", err)
	}
	return out, nil
}
