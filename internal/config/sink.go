package config

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// SinkConfig configures the local ingestion sink binary.
type SinkConfig struct {
	Port                   string        `env:"LLMTRACE_SINK_PORT,default=3030"`
	DBPath                 string        `env:"LLMTRACE_SINK_DB_PATH,default=/data/llmtrace-sink.db"`
	LogLevel               string        `env:"LLMTRACE_SINK_LOG_LEVEL,default=info"`
	RetentionDays          int           `env:"LLMTRACE_SINK_RETENTION_DAYS,default=3"`
	CleanupInterval        time.Duration `env:"LLMTRACE_SINK_CLEANUP_INTERVAL,default=5m"`
	CleanupDiskThreshold   float64       `env:"LLMTRACE_SINK_CLEANUP_DISK_THRESHOLD,default=80"`
	CleanupDBThresholdByte int64         `env:"LLMTRACE_SINK_CLEANUP_DB_THRESHOLD_BYTES,default=104857600"`
	WALCheckpointInterval  time.Duration `env:"LLMTRACE_SINK_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB   int64         `env:"LLMTRACE_SINK_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
	AllowedOrigins         []string      `env:"LLMTRACE_SINK_ALLOWED_ORIGINS,default=*"`
	PublicKey              string        `env:"LLMTRACE_SINK_PUBLIC_KEY,default=pk-local"`
	SecretKey              string        `env:"LLMTRACE_SINK_SECRET_KEY,default=sk-local"`
	MaxBodyBytes           int64         `env:"LLMTRACE_SINK_MAX_BODY_BYTES,default=5000000"`
}

func LoadSink(ctx context.Context) (*SinkConfig, error) {
	return LoadSinkWith(ctx, envconfig.OsLookuper())
}

func LoadSinkWith(ctx context.Context, lookuper envconfig.Lookuper) (*SinkConfig, error) {
	var cfg SinkConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("load sink env config: %w", err)
	}
	return &cfg, nil
}

func WriteSinkHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "llmtrace-sink %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  LLMTRACE_SINK_PORT=3030")
	fmt.Fprintln(w, "  LLMTRACE_SINK_DB_PATH=/data/llmtrace-sink.db")
	fmt.Fprintln(w, "  LLMTRACE_SINK_LOG_LEVEL=info")
	fmt.Fprintln(w, "  LLMTRACE_SINK_RETENTION_DAYS=3")
	fmt.Fprintln(w, "  LLMTRACE_SINK_CLEANUP_INTERVAL=5m")
	fmt.Fprintln(w, "  LLMTRACE_SINK_CLEANUP_DISK_THRESHOLD=80")
	fmt.Fprintln(w, "  LLMTRACE_SINK_CLEANUP_DB_THRESHOLD_BYTES=104857600")
	fmt.Fprintln(w, "  LLMTRACE_SINK_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  LLMTRACE_SINK_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  LLMTRACE_SINK_ALLOWED_ORIGINS=*")
	fmt.Fprintln(w, "  LLMTRACE_SINK_PUBLIC_KEY=pk-local")
	fmt.Fprintln(w, "  LLMTRACE_SINK_SECRET_KEY=sk-local")
	fmt.Fprintln(w, "  LLMTRACE_SINK_MAX_BODY_BYTES=5000000")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
}
