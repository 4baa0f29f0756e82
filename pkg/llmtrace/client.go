// Package llmtrace records traces, observations and scores of LLM
// applications and ships them in batches to an ingestion API.
//
// Capture calls never block on the network. Events are queued, flushed in
// the background when the queue reaches its threshold or the flush interval
// elapses, and drained by Shutdown.
package llmtrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/sethvargo/go-envconfig"

	"github.com/kon-rad/llmtrace/internal/clock"
	"github.com/kon-rad/llmtrace/internal/config"
	"github.com/kon-rad/llmtrace/internal/eventbus"
	"github.com/kon-rad/llmtrace/internal/ingest"
	"github.com/kon-rad/llmtrace/internal/logging"
	"github.com/kon-rad/llmtrace/internal/pipeline"
	"github.com/kon-rad/llmtrace/internal/promptcache"
	"github.com/kon-rad/llmtrace/internal/prompts"
	"github.com/kon-rad/llmtrace/internal/push"
	"github.com/kon-rad/llmtrace/internal/store"
)

type Client struct {
	cfg      config.Config
	enabled  bool
	mask     MaskFunc
	clock    clock.Clock
	logger   *slog.Logger
	levelVar *slog.LevelVar
	// external is set when the logger came from WithLogger.
	external bool

	queue    *ingest.Queue
	bus      *eventbus.Bus
	pipeline *pipeline.Pipeline
	exporter *push.LocalExporter

	prompts *prompts.Client
	cache   *promptcache.Cache[*prompts.Prompt]
}

// New resolves the configuration once from the environment and opts, then
// starts the background flush scheduler.
func New(opts ...Option) (*Client, error) {
	s := settings{maxItemRetries: DefaultMaxItemRetries}
	for _, opt := range opts {
		opt(&s)
	}

	ctx := context.Background()
	var lookuper envconfig.Lookuper = envconfig.OsLookuper()
	if s.env != nil {
		lookuper = envconfig.MapLookuper(s.env)
	}
	cfg, err := config.LoadWith(ctx, lookuper)
	if err != nil {
		return nil, err
	}
	for _, fn := range s.overrides {
		fn(&cfg)
	}
	cfg = cfg.Normalize()

	logger, levelVar, err := newLogger(s, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	enabled := cfg.Enabled
	if cfg.PublicKeyOnly && cfg.PublicKey == "" {
		logger.Warn("public key missing, events will not be sent")
		enabled = false
	}
	if enabled {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	clk := s.clock
	if clk == nil {
		clk = clock.Real()
	}
	st := s.store
	if st == nil {
		st = store.NewMemory()
	}

	c := &Client{
		cfg:      cfg,
		enabled:  enabled,
		mask:     s.mask,
		clock:    clk,
		logger:   logger,
		levelVar: levelVar,
		external: s.logger != nil,
		queue:    ingest.NewQueue(st, logger),
		bus:      eventbus.New(logger),
	}

	var sender pipeline.Sender
	if cfg.LocalExport() {
		c.exporter = push.NewLocalExporter()
		sender = c.exporter
	} else {
		sender = push.New(push.Options{
			BaseURL:           cfg.BaseURL,
			PublicKey:         cfg.PublicKey,
			SecretKey:         c.secretKey(),
			SDKIntegration:    cfg.SDKIntegration,
			RetryCount:        cfg.FetchRetryCount,
			RetryDelay:        cfg.FetchRetryDelay,
			RequestTimeout:    cfg.RequestTimeout,
			Gzip:              cfg.Gzip,
			AdditionalHeaders: cfg.AdditionalHeaders,
			HTTPClient:        s.httpClient,
			Clock:             clk,
			Logger:            logger,
		})
	}
	c.pipeline = pipeline.New(c.queue, sender, c.bus, pipeline.Options{
		FlushAt:         cfg.FlushAt,
		FlushInterval:   cfg.FlushInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxBatchBytes:   cfg.MaxBatchBytes,
		MaxItemRetries:  s.maxItemRetries,
		Clock:           clk,
		Logger:          logger,
	})
	c.prompts = prompts.NewClient(prompts.ClientOptions{
		BaseURL:    cfg.BaseURL,
		PublicKey:  cfg.PublicKey,
		SecretKey:  c.secretKey(),
		HTTPClient: s.httpClient,
		Clock:      clk,
		Logger:     logger,
	})
	c.cache = promptcache.New[*prompts.Prompt](clk, logger)

	if enabled {
		if n, err := c.queue.Restore(ctx); err != nil {
			logger.Warn("could not restore persisted queue", "error", err)
		} else if n > 0 {
			logger.Info("restored persisted events", "count", n)
		}
		c.pipeline.Start()
	}
	return c, nil
}

func newLogger(s settings, level string) (*slog.Logger, *slog.LevelVar, error) {
	if s.logger != nil {
		levelVar := new(slog.LevelVar)
		levelVar.Set(logging.LevelOff)
		return slog.New(logging.Override(s.logger.Handler(), levelVar)), levelVar, nil
	}
	out := s.logOutput
	if out == nil {
		out = os.Stderr
	}
	logger, levelVar, err := logging.New(out, level)
	if err != nil {
		return nil, nil, fmt.Errorf("configure logger: %w", err)
	}
	return logger.With("component", "llmtrace"), levelVar, nil
}

func (c *Client) secretKey() string {
	if c.cfg.PublicKeyOnly {
		return ""
	}
	return c.cfg.SecretKey
}

// Enabled reports whether captured events are queued at all.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Debug switches the client's logger between debug and its configured level.
// A logger supplied with WithLogger emits debug records while enabled and
// goes back to its own levels afterwards.
func (c *Client) Debug(enabled bool) {
	if c.external && !enabled {
		c.levelVar.Set(logging.LevelOff)
		return
	}
	level := c.cfg.LogLevel
	if enabled {
		level = "debug"
	}
	if err := logging.SetLevel(c.levelVar, level); err != nil {
		c.logger.Warn("could not change log level", "level", level, "error", err)
	}
}

// On subscribes handler to name and returns a function that removes it.
// Subscribe to EventAll for every notification.
func (c *Client) On(name EventName, handler Handler) func() {
	return c.bus.On(name, handler)
}

// Flush sends everything queued and returns the delivered items, or nil when
// none were delivered. Delivery failures are logged and reported through
// item callbacks and the error event, never returned.
func (c *Client) Flush(ctx context.Context) []*Item {
	if !c.enabled {
		return nil
	}
	return c.pipeline.Flush(ctx)
}

// Shutdown flushes what is queued and stops background work. Events captured
// afterwards are discarded. It returns an error only when ctx ends before the
// queue is drained.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.pipeline.Shutdown(ctx)
}

func (c *Client) Stats() Stats {
	return c.pipeline.Stats()
}

// ExportedItems returns the events kept by a local-export client. It is nil
// for clients that send over the network.
func (c *Client) ExportedItems() []*Item {
	if c.exporter == nil {
		return nil
	}
	return c.exporter.Items()
}

// Enqueue samples, masks and queues one raw event. Most callers use the
// handle methods instead. callback, when set, is called once with the
// delivery outcome: nil once delivered, otherwise the reason it was dropped.
func (c *Client) Enqueue(eventType EventType, body any, callback func(error)) {
	if !c.enabled {
		return
	}
	if traceID := ingest.TraceIDOf(body); !c.sampled(traceID) {
		c.logger.Debug("event not sampled", "type", string(eventType), "trace_id", traceID)
		return
	}
	ingest.ApplyMask(body, c.mask)

	it := ingest.NewItem(eventType, body, c.clock.Now())
	it.Callback = callback
	if err := c.pipeline.Enqueue(context.Background(), it); err != nil {
		if !errors.Is(err, pipeline.ErrClosed) {
			c.logger.Warn("could not queue event", "type", string(eventType), "id", it.ID, "error", err)
		}
		if callback != nil {
			callback(err)
		}
	}
}

var defaultClient atomic.Pointer[Client]

// SetDefault installs c as the process-wide client returned by Default.
func SetDefault(c *Client) {
	defaultClient.Store(c)
}

// Default returns the client installed by SetDefault, or nil.
func Default() *Client {
	return defaultClient.Load()
}
