package integration

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/llmtrace/internal/db"
	"github.com/kon-rad/llmtrace/internal/logging"
	"github.com/kon-rad/llmtrace/internal/push"
	"github.com/kon-rad/llmtrace/internal/server"
	"github.com/kon-rad/llmtrace/pkg/llmtrace"
)

type sink struct {
	*httptest.Server
	dbm    *db.Manager
	ingest *server.IngestHandlers
}

func newSink(t *testing.T) *sink {
	t.Helper()
	dbm, err := db.Open(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	keys := server.Keys{PublicKey: "pk-int", SecretKey: "sk-int"}
	ingestHandlers := server.NewIngestHandlers(dbm, keys, 0, logging.Discard())
	promptHandlers := server.NewPromptHandlers(dbm, keys, logging.Discard())
	health := server.NewHealthHandler(dbm, time.Now(), "test", ingestHandlers)
	srv := httptest.NewServer(server.Handler(health, ingestHandlers, promptHandlers, []string{"*"}))
	t.Cleanup(func() {
		srv.Close()
		_ = dbm.Close()
	})
	return &sink{Server: srv, dbm: dbm, ingest: ingestHandlers}
}

func newClient(t *testing.T, baseURL string, opts ...llmtrace.Option) *llmtrace.Client {
	t.Helper()
	base := []llmtrace.Option{
		llmtrace.WithEnv(map[string]string{}),
		llmtrace.WithPublicKey("pk-int"),
		llmtrace.WithSecretKey("sk-int"),
		llmtrace.WithBaseURL(baseURL),
		llmtrace.WithLogger(logging.Discard()),
		llmtrace.WithFlushAt(1000),
		llmtrace.WithRetries(0, 0),
	}
	c, err := llmtrace.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientDelivers100TracesToSink(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	c := newClient(t, s.URL, llmtrace.WithGzip(true), llmtrace.WithSizeLimits(1_000_000, 4_000))

	for i := 0; i < 100; i++ {
		trace := c.Trace(llmtrace.TraceBody{Name: "trace-" + strconv.Itoa(i)})
		gen := trace.Generation(llmtrace.ObservationBody{Name: "llm-call", Model: "gpt-test", Input: "input"})
		gen.End(llmtrace.ObservationBody{Output: "output"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stats := c.Stats()
	if stats.Delivered != 300 || stats.Queued != 0 || stats.DroppedFailed != 0 {
		t.Fatalf("stats = %+v, want 300 delivered", stats)
	}
	if n, _ := s.dbm.EventCount(ctx); n != 300 {
		t.Fatalf("stored events = %d, want 300", n)
	}
	if n, _ := s.dbm.EventCountByType(ctx, "generation-update"); n != 100 {
		t.Fatalf("generation-update events = %d, want 100", n)
	}
	// Small batch budget forces several requests.
	if n, _ := s.dbm.IngestLogCount(ctx); n < 2 {
		t.Fatalf("ingest requests = %d, want several", n)
	}
}

func TestRejectedItemIsRetriedThenDropped(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	c := newClient(t, s.URL, llmtrace.WithMaxItemRetries(1))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	var (
		mu       sync.Mutex
		outcomes = map[string]error{}
	)
	record := func(name string) func(error) {
		return func(err error) {
			mu.Lock()
			outcomes[name] = err
			mu.Unlock()
		}
	}
	c.Enqueue(llmtrace.TraceCreate, &llmtrace.TraceBody{ID: "trace-ok", Name: "ok"}, record("valid"))
	// A score whose body is not an object is rejected per item by the sink.
	c.Enqueue(llmtrace.ScoreCreate, "not an object", record("invalid"))

	ctx := context.Background()
	if delivered := c.Flush(ctx); len(delivered) != 1 {
		t.Fatalf("first flush delivered %d, want 1", len(delivered))
	}
	if stats := c.Stats(); stats.Queued != 1 {
		t.Fatalf("queued after 207 = %d, want 1", stats.Queued)
	}
	if delivered := c.Flush(ctx); len(delivered) != 0 {
		t.Fatalf("second flush delivered %d, want 0", len(delivered))
	}

	stats := c.Stats()
	if stats.Queued != 0 || stats.Delivered != 1 || stats.DroppedFailed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	if err, ok := outcomes["valid"]; !ok || err != nil {
		t.Fatalf("valid outcome = %v (reported %v), want nil", err, ok)
	}
	if err := outcomes["invalid"]; !errors.Is(err, push.ErrDelivery) {
		t.Fatalf("invalid outcome = %v, want ErrDelivery", err)
	}
	if snap := s.ingest.Snapshot(); snap.EventsAccepted != 1 || snap.EventsRejected != 2 {
		t.Fatalf("sink snapshot = %+v", snap)
	}
}

func TestPromptRoundTripThroughSink(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	c := newClient(t, s.URL)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	ctx := context.Background()
	created, err := c.CreatePrompt(ctx, llmtrace.CreatePromptRequest{
		Name:   "welcome",
		Type:   llmtrace.PromptText,
		Text:   "Welcome {{user}}",
		Labels: []string{"production"},
	})
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("created version = %d, want 1", created.Version)
	}

	got, err := c.GetPrompt(ctx, "welcome", llmtrace.GetPromptOptions{})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if out := got.Compile(map[string]string{"user": "Ada"}); out != "Welcome Ada" {
		t.Fatalf("compiled = %q, want %q", out, "Welcome Ada")
	}

	if _, err := c.GetPrompt(ctx, "missing", llmtrace.GetPromptOptions{}); !errors.Is(err, llmtrace.ErrPromptNotFound) {
		t.Fatalf("missing prompt error = %v, want ErrPromptNotFound", err)
	}
}
