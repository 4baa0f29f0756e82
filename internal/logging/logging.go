package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds a JSON logger on stdout and installs it as the process
// default. Used by binaries; SDK clients use New so they never touch the
// global logger.
func Setup(level string) (*slog.Logger, error) {
	logger, _, err := New(os.Stdout, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// New returns a JSON logger writing to w and the LevelVar controlling it.
func New(w io.Writer, level string) (*slog.Logger, *slog.LevelVar, error) {
	levelVar := new(slog.LevelVar)
	if err := SetLevel(levelVar, level); err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelVar,
	})
	return slog.New(handler), levelVar, nil
}

func SetLevel(levelVar *slog.LevelVar, level string) error {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := levelVar.UnmarshalText([]byte(normalized)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	return nil
}

// LevelOff is above every level a logger emits. An Override set to it
// defers entirely to the wrapped handler.
const LevelOff = slog.Level(1 << 20)

// Override wraps h so records at or above level are handled even when h
// itself would filter them out.
func Override(h slog.Handler, level slog.Leveler) slog.Handler {
	return &overrideHandler{inner: h, level: level}
}

type overrideHandler struct {
	inner slog.Handler
	level slog.Leveler
}

func (o *overrideHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= o.level.Level() || o.inner.Enabled(ctx, l)
}

func (o *overrideHandler) Handle(ctx context.Context, r slog.Record) error {
	return o.inner.Handle(ctx, r)
}

func (o *overrideHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &overrideHandler{inner: o.inner.WithAttrs(attrs), level: o.level}
}

func (o *overrideHandler) WithGroup(name string) slog.Handler {
	return &overrideHandler{inner: o.inner.WithGroup(name), level: o.level}
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
