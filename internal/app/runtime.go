package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kon-rad/llmtrace/internal/config"
	"github.com/kon-rad/llmtrace/internal/db"
	"github.com/kon-rad/llmtrace/internal/server"
)

// Runtime runs the local ingestion sink: the HTTP API plus the sqlite
// maintenance loops.
type Runtime struct {
	cfg        *config.SinkConfig
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	dbm        *db.Manager
	httpServer *http.Server

	ready chan struct{}
	addr  string
}

func New(cfg *config.SinkConfig, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Addr is the bound listen address. Valid after Ready is closed.
func (r *Runtime) Addr() string {
	return r.addr
}

// Run serves until ctx is cancelled or the server fails, then shuts down
// in order: HTTP, background loops, WAL checkpoint, database.
func (r *Runtime) Run(ctx context.Context) error {
	dbm, err := db.Open(r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	r.dbm = dbm

	journalMode, busyTimeout, autoVacuum, err := r.dbm.Pragmas(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("query sqlite pragmas: %w", err), r.closeDB())
	}
	r.logger.Info("SQLite opened",
		"path", r.cfg.DBPath,
		"journal_mode", journalMode,
		"busy_timeout", busyTimeout,
		"auto_vacuum", autoVacuum,
	)

	keys := server.Keys{PublicKey: r.cfg.PublicKey, SecretKey: r.cfg.SecretKey}
	ingestHandlers := server.NewIngestHandlers(r.dbm, keys, r.cfg.MaxBodyBytes, r.logger)
	promptHandlers := server.NewPromptHandlers(r.dbm, keys, r.logger)
	health := server.NewHealthHandler(r.dbm, r.startedAt, r.version, ingestHandlers)
	r.httpServer = server.New(":"+r.cfg.Port, server.Handler(health, ingestHandlers, promptHandlers, r.cfg.AllowedOrigins))

	ln, err := net.Listen("tcp", r.httpServer.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", r.httpServer.Addr, err), r.closeDB())
	}
	r.addr = ln.Addr().String()
	close(r.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.logger.Info("Listening", "addr", r.addr)
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("Shutting down sink")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.every(gctx, r.cfg.CleanupInterval, r.cleanup)
		return nil
	})
	g.Go(func() error {
		r.every(gctx, r.cfg.WALCheckpointInterval, r.checkpointIfLarge)
		return nil
	})

	return errors.Join(g.Wait(), r.closeDB())
}

func (r *Runtime) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (r *Runtime) cleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	deleted, didRun, err := r.dbm.CleanupExpired(
		cleanupCtx,
		r.cfg.RetentionDays,
		r.cfg.CleanupDiskThreshold,
		r.cfg.CleanupDBThresholdByte,
	)
	if err != nil {
		r.logger.Warn("cleanup failed", "error", err)
		return
	}
	if didRun {
		r.logger.Info("cleanup completed", "deleted_rows", deleted)
	}
}

func (r *Runtime) checkpointIfLarge(ctx context.Context) {
	cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := r.dbm.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB); err != nil {
		r.logger.Warn("wal checkpoint loop failed", "error", err)
	}
}

func (r *Runtime) closeDB() error {
	if r.dbm == nil {
		return nil
	}
	var joined error
	cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.dbm.Checkpoint(cpCtx); err != nil {
		r.logger.Warn("WAL checkpoint failed", "error", err)
		joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
	}
	if err := r.dbm.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("db close: %w", err))
	}
	r.dbm = nil
	r.logger.Info("Shutdown complete", "uptime", time.Since(r.startedAt).String())
	return joined
}
