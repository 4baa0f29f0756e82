package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kon-rad/llmtrace/internal/db"
	"github.com/kon-rad/llmtrace/internal/prompts"
)

// PromptStore resolves and stores prompt versions. *db.Manager satisfies it.
type PromptStore interface {
	InsertPrompt(ctx context.Context, in db.PromptInsert) (db.PromptRow, error)
	PromptByVersion(ctx context.Context, name string, version int) (db.PromptRow, error)
	PromptByLabel(ctx context.Context, name, label string) (db.PromptRow, error)
}

type PromptHandlers struct {
	store  PromptStore
	keys   Keys
	logger *slog.Logger
}

type createPromptRequest struct {
	Name          string          `json:"name"`
	Type          prompts.Type    `json:"type"`
	Prompt        json.RawMessage `json:"prompt"`
	Config        json.RawMessage `json:"config"`
	Labels        []string        `json:"labels"`
	Tags          []string        `json:"tags"`
	CommitMessage string          `json:"commitMessage"`
}

func NewPromptHandlers(store PromptStore, keys Keys, logger *slog.Logger) *PromptHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptHandlers{store: store, keys: keys, logger: logger}
}

// GetPrompt serves GET /api/public/v2/prompts/{name}. A version query wins
// over a label; with neither the production label is served.
func (h *PromptHandlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	if h.keys.authorize(r) != accessFull {
		writeUnauthorized(w)
		return
	}
	name := r.PathValue("name")
	q := r.URL.Query()

	var (
		row db.PromptRow
		err error
	)
	if v := q.Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil || version < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Message: "version must be a positive integer"})
			return
		}
		row, err = h.store.PromptByVersion(r.Context(), name, version)
	} else {
		label := q.Get("label")
		if label == "" {
			label = prompts.DefaultLabel
		}
		row, err = h.store.PromptByLabel(r.Context(), name, label)
	}
	if errors.Is(err, db.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "prompt not found"})
		return
	}
	if err != nil {
		h.logger.Error("prompt lookup failed", "name", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "storage unavailable"})
		return
	}

	p, err := toPrompt(row)
	if err != nil {
		h.logger.Error("stored prompt unreadable", "name", name, "version", row.Version, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "stored prompt unreadable"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePrompt serves POST /api/public/v2/prompts.
func (h *PromptHandlers) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	if h.keys.authorize(r) != accessFull {
		writeUnauthorized(w)
		return
	}
	var req createPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid json"})
		return
	}
	if req.Type == "" {
		req.Type = prompts.TypeText
	}
	if req.Name == "" || len(req.Prompt) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "name and prompt are required"})
		return
	}
	if req.Type != prompts.TypeText && req.Type != prompts.TypeChat {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "type must be text or chat"})
		return
	}
	check, _ := json.Marshal(map[string]any{"name": req.Name, "type": req.Type, "prompt": req.Prompt})
	if err := json.Unmarshal(check, new(prompts.Prompt)); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	var config string
	if len(req.Config) > 0 && string(req.Config) != "null" {
		config = string(req.Config)
	}
	row, err := h.store.InsertPrompt(r.Context(), db.PromptInsert{
		Name:      req.Name,
		Type:      string(req.Type),
		Prompt:    string(req.Prompt),
		Config:    config,
		Labels:    req.Labels,
		Tags:      req.Tags,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("prompt insert failed", "name", req.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "storage unavailable"})
		return
	}
	p, err := toPrompt(row)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "stored prompt unreadable"})
		return
	}
	p.CommitMessage = req.CommitMessage
	h.logger.Info("prompt created", "name", p.Name, "version", p.Version, "labels", p.Labels)
	writeJSON(w, http.StatusCreated, p)
}

func toPrompt(row db.PromptRow) (prompts.Prompt, error) {
	wire := map[string]any{
		"name":    row.Name,
		"version": row.Version,
		"type":    row.Type,
		"prompt":  json.RawMessage(row.Prompt),
		"labels":  row.Labels,
		"tags":    row.Tags,
	}
	if row.Config != "" {
		wire["config"] = json.RawMessage(row.Config)
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return prompts.Prompt{}, err
	}
	var p prompts.Prompt
	if err := json.Unmarshal(raw, &p); err != nil {
		return prompts.Prompt{}, err
	}
	return p, nil
}
