package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kon-rad/llmtrace/internal/config"
	"github.com/kon-rad/llmtrace/internal/logging"
)

func TestRuntimeServesHealthAndShutsDown(t *testing.T) {
	t.Parallel()

	cfg := &config.SinkConfig{
		Port:                 "0",
		DBPath:               filepath.Join(t.TempDir(), "sink.db"),
		RetentionDays:        3,
		CleanupInterval:      time.Hour,
		WALRestartThresholdB: 1 << 20,
		AllowedOrigins:       []string{"*"},
		PublicKey:            "pk",
		SecretKey:            "sk",
	}
	rt := New(cfg, logging.Discard(), "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(ctx)
	}()

	select {
	case <-rt.Ready():
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime never became ready")
	}

	_, port, err := net.SplitHostPort(rt.Addr())
	if err != nil {
		t.Fatalf("split addr %q: %v", rt.Addr(), err)
	}
	resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", port) + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	var body map[string]any
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["version"] != "test" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}

func TestRuntimeFailsWhenDBPathIsUnusable(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg := &config.SinkConfig{Port: "0", DBPath: filepath.Join(blocker, "sink.db")}
	if err := New(cfg, logging.Discard(), "test").Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want open failure")
	}
}
