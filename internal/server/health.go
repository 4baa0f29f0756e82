package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kon-rad/llmtrace/internal/db"
)

type RuntimeSnapshot struct {
	EventsAccepted int64
	EventsRejected int64
	LastIngestTime *int64
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

type HealthResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	Version        string   `json:"version"`
	DBStatus       string   `json:"db_status"`
	DBSizeBytes    int64    `json:"db_size_bytes"`
	WALSizeBytes   int64    `json:"wal_size_bytes"`
	EventsAccepted int64    `json:"events_accepted"`
	EventsRejected int64    `json:"events_rejected"`
	LastIngestTime *int64   `json:"last_ingest_time"`
	StoredEvents   int64    `json:"stored_events"`
	StoredPrompts  int64    `json:"stored_prompts"`
	RSSBytes       *int64   `json:"rss_bytes"`
	GeneratedAt    string   `json:"generated_at"`
	Warnings       []string `json:"warnings,omitempty"`
}

type HealthHandler struct {
	dbm         *db.Manager
	startTime   time.Time
	version     string
	snapshotter SnapshotProvider
}

func NewHealthHandler(dbm *db.Manager, start time.Time, version string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		dbm:         dbm,
		startTime:   start,
		version:     version,
		snapshotter: snapshotter,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.snapshotter.Snapshot()
	dbStats := h.dbm.Stats()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	events, promptCount, err := h.dbm.StoredCounts(ctx)

	resp := HealthResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		Version:        h.version,
		DBStatus:       dbStats.DBStatus,
		DBSizeBytes:    dbStats.DBSizeBytes,
		WALSizeBytes:   dbStats.WALSize,
		EventsAccepted: snapshot.EventsAccepted,
		EventsRejected: snapshot.EventsRejected,
		LastIngestTime: snapshot.LastIngestTime,
		StoredEvents:   events,
		StoredPrompts:  promptCount,
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	if err != nil {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "stored_counts_unavailable")
		resp.StoredEvents = 0
		resp.StoredPrompts = 0
	}
	if rss, err := residentBytes(); err == nil {
		resp.RSSBytes = &rss
	}
	if resp.DBStatus != "ok" {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}
