package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kon-rad/llmtrace/internal/db"
	"github.com/kon-rad/llmtrace/internal/ingest"
	"github.com/kon-rad/llmtrace/internal/push"
)

// EventWriter stores accepted ingestion events. *db.Manager satisfies it.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []db.EventInsert) (int64, error)
	LogIngest(ctx context.Context, createdAt int64, status int, accepted, rejected int, durationMS int64) error
}

type IngestHandlers struct {
	writer       EventWriter
	keys         Keys
	maxBodyBytes int64
	logger       *slog.Logger

	eventsAccepted atomic.Int64
	eventsRejected atomic.Int64
	lastIngestTime atomic.Int64
}

type ingestRequest struct {
	Batch    []json.RawMessage `json:"batch"`
	Metadata json.RawMessage   `json:"metadata"`
}

type ingestEvent struct {
	ID        string           `json:"id"`
	Type      ingest.EventType `json:"type"`
	Timestamp string           `json:"timestamp"`
	Body      json.RawMessage  `json:"body"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func NewIngestHandlers(writer EventWriter, keys Keys, maxBodyBytes int64, logger *slog.Logger) *IngestHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandlers{writer: writer, keys: keys, maxBodyBytes: maxBodyBytes, logger: logger}
}

// PostIngestion accepts a batch envelope. Every item is validated on its own:
// the response is 200 when all were stored and 207 listing the rejected ids
// otherwise.
func (h *IngestHandlers) PostIngestion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.keys.authorize(r) == accessNone {
		writeUnauthorized(w)
		return
	}

	raw, err := h.readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid json"})
		return
	}
	if req.Batch == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "batch is required"})
		return
	}

	receivedAt := time.Now().UnixMilli()
	publicKey := r.Header.Get(push.HeaderPublicKey)
	resp := push.MultiStatus{Successes: []push.ItemStatus{}, Errors: []push.ItemStatus{}}
	inserts := make([]db.EventInsert, 0, len(req.Batch))
	for i, entry := range req.Batch {
		ev, err := validateEvent(entry)
		if err != nil {
			id := ev.ID
			if id == "" {
				id = fmt.Sprintf("batch[%d]", i)
			}
			resp.Errors = append(resp.Errors, push.ItemStatus{ID: id, Status: http.StatusBadRequest, Message: err.Error()})
			continue
		}
		inserts = append(inserts, db.EventInsert{
			EventID:    ev.ID,
			Type:       string(ev.Type),
			Timestamp:  ev.Timestamp,
			TraceID:    traceIDOf(ev),
			Body:       string(ev.Body),
			PublicKey:  publicKey,
			ReceivedAt: receivedAt,
		})
		resp.Successes = append(resp.Successes, push.ItemStatus{ID: ev.ID, Status: http.StatusCreated})
	}

	if len(inserts) > 0 {
		if _, err := h.writer.InsertEvents(r.Context(), inserts); err != nil {
			h.logger.Error("store ingestion batch failed", "batch_size", len(inserts), "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "storage unavailable"})
			return
		}
	}

	status := http.StatusOK
	if len(resp.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	h.eventsAccepted.Add(int64(len(resp.Successes)))
	h.eventsRejected.Add(int64(len(resp.Errors)))
	h.lastIngestTime.Store(receivedAt)

	durationMS := time.Since(start).Milliseconds()
	if err := h.writer.LogIngest(r.Context(), receivedAt, status, len(resp.Successes), len(resp.Errors), durationMS); err != nil {
		h.logger.Warn("ingest log write failed", "error", err)
	}
	h.logger.Debug("ingestion batch handled", "status", status, "accepted", len(resp.Successes), "rejected", len(resp.Errors))
	writeJSON(w, status, resp)
}

func (h *IngestHandlers) readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if h.maxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, h.maxBodyBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if h.maxBodyBytes > 0 && int64(len(raw)) > h.maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", h.maxBodyBytes)
	}
	if r.Header.Get("Content-Encoding") != "gzip" {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	defer zr.Close()
	var limited io.Reader = zr
	if h.maxBodyBytes > 0 {
		limited = io.LimitReader(zr, h.maxBodyBytes+1)
	}
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if h.maxBodyBytes > 0 && int64(len(out)) > h.maxBodyBytes {
		return nil, fmt.Errorf("decompressed body exceeds %d bytes", h.maxBodyBytes)
	}
	return out, nil
}

var (
	errMissingID   = errors.New("id is required")
	errUnknownType = errors.New("unknown event type")
	errBodyObject  = errors.New("body must be a JSON object")
)

func validateEvent(entry json.RawMessage) (ingestEvent, error) {
	var ev ingestEvent
	if err := json.Unmarshal(entry, &ev); err != nil {
		return ingestEvent{}, fmt.Errorf("invalid event: %w", err)
	}
	if ev.ID == "" {
		return ev, errMissingID
	}
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("%w %q", errUnknownType, ev.Type)
	}
	trimmed := bytes.TrimSpace(ev.Body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ev, errBodyObject
	}
	return ev, nil
}

func traceIDOf(ev ingestEvent) string {
	var ids struct {
		ID      string `json:"id"`
		TraceID string `json:"traceId"`
	}
	if err := json.Unmarshal(ev.Body, &ids); err != nil {
		return ""
	}
	if ev.Type == ingest.EventTraceCreate {
		return ids.ID
	}
	return ids.TraceID
}

func (h *IngestHandlers) Snapshot() RuntimeSnapshot {
	var last *int64
	if ts := h.lastIngestTime.Load(); ts > 0 {
		last = &ts
	}
	return RuntimeSnapshot{
		EventsAccepted: h.eventsAccepted.Load(),
		EventsRejected: h.eventsRejected.Load(),
		LastIngestTime: last,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
