package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

var (
	ErrMissingPublicKey = errors.New("public key is required")
	ErrMissingSecretKey = errors.New("secret key is required")
)

// Config is resolved once when a client is constructed and treated as
// immutable afterwards. Fields without env tags are only settable through
// client options.
type Config struct {
	PublicKey       string        `env:"LLMTRACE_PUBLIC_KEY"`
	SecretKey       string        `env:"LLMTRACE_SECRET_KEY"`
	BaseURL         string        `env:"LLMTRACE_BASEURL,default=https://cloud.llmtrace.dev"`
	FlushAt         int           `env:"LLMTRACE_FLUSH_AT,default=15"`
	FlushInterval   time.Duration `env:"LLMTRACE_FLUSH_INTERVAL,default=10s"`
	FetchRetryCount int           `env:"LLMTRACE_FETCH_RETRY_COUNT,default=3"`
	FetchRetryDelay time.Duration `env:"LLMTRACE_FETCH_RETRY_DELAY,default=5s"`
	RequestTimeout  time.Duration `env:"LLMTRACE_REQUEST_TIMEOUT,default=10s"`
	SampleRate      float64       `env:"LLMTRACE_SAMPLE_RATE,default=1"`
	Enabled         bool          `env:"LLMTRACE_ENABLED,default=true"`
	Environment     string        `env:"LLMTRACE_TRACING_ENVIRONMENT"`
	Release         string        `env:"LLMTRACE_RELEASE"`
	SDKIntegration  string        `env:"LLMTRACE_SDK_INTEGRATION,default=DEFAULT"`
	MaxMessageBytes int           `env:"LLMTRACE_MAX_MESSAGE_BYTES,default=1000000"`
	MaxBatchBytes   int           `env:"LLMTRACE_MAX_BATCH_BYTES,default=2500000"`
	Gzip            bool          `env:"LLMTRACE_GZIP,default=false"`
	LogLevel        string        `env:"LLMTRACE_LOG_LEVEL,default=warn"`

	AdditionalHeaders map[string]string
	PublicKeyOnly     bool
	ProjectID         string
	LocalEventExport  bool
}

// releaseEnvKeys are consulted in order when LLMTRACE_RELEASE is unset.
var releaseEnvKeys = []string{
	"SOURCE_VERSION",
	"VERCEL_GIT_COMMIT_SHA",
	"CF_PAGES_COMMIT_SHA",
	"RENDER_GIT_COMMIT",
	"RAILWAY_GIT_COMMIT_SHA",
	"GITHUB_SHA",
	"CI_COMMIT_SHA",
	"CIRCLE_SHA1",
	"BITBUCKET_COMMIT",
	"HEROKU_SLUG_COMMIT",
	"CODEBUILD_RESOLVED_SOURCE_VERSION",
}

func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from the given lookuper. Tests pass an
// envconfig.MapLookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}
	if cfg.Release == "" {
		for _, key := range releaseEnvKeys {
			if v, ok := lookuper.Lookup(key); ok && v != "" {
				cfg.Release = v
				break
			}
		}
	}
	return cfg, nil
}

// Normalize clamps numeric options into their valid ranges.
func (c Config) Normalize() Config {
	if c.FlushAt < 1 {
		c.FlushAt = 1
	}
	if c.FetchRetryCount < 0 {
		c.FetchRetryCount = 0
	}
	if c.FetchRetryDelay < 0 {
		c.FetchRetryDelay = 0
	}
	if c.SampleRate < 0 {
		c.SampleRate = 0
	}
	if c.SampleRate > 1 {
		c.SampleRate = 1
	}
	if c.SDKIntegration == "" {
		c.SDKIntegration = "DEFAULT"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Validate reports configuration errors that must stop client construction.
// Public-key-only contexts never fail here; the caller disables the client
// instead when the public key is missing.
func (c Config) Validate() error {
	if c.PublicKeyOnly {
		return nil
	}
	var errs []error
	if c.PublicKey == "" {
		errs = append(errs, ErrMissingPublicKey)
	}
	if c.SecretKey == "" {
		errs = append(errs, ErrMissingSecretKey)
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

// LocalExport reports whether delivery is replaced by the local export buffer.
func (c Config) LocalExport() bool {
	return c.ProjectID != "" && c.LocalEventExport
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "llmtrace %s\n\n", version)
	fmt.Fprintln(w, "Client environment variables:")
	fmt.Fprintln(w, "  LLMTRACE_PUBLIC_KEY=")
	fmt.Fprintln(w, "  LLMTRACE_SECRET_KEY=")
	fmt.Fprintln(w, "  LLMTRACE_BASEURL=https://cloud.llmtrace.dev")
	fmt.Fprintln(w, "  LLMTRACE_FLUSH_AT=15")
	fmt.Fprintln(w, "  LLMTRACE_FLUSH_INTERVAL=10s")
	fmt.Fprintln(w, "  LLMTRACE_FETCH_RETRY_COUNT=3")
	fmt.Fprintln(w, "  LLMTRACE_FETCH_RETRY_DELAY=5s")
	fmt.Fprintln(w, "  LLMTRACE_REQUEST_TIMEOUT=10s")
	fmt.Fprintln(w, "  LLMTRACE_SAMPLE_RATE=1")
	fmt.Fprintln(w, "  LLMTRACE_ENABLED=true")
	fmt.Fprintln(w, "  LLMTRACE_TRACING_ENVIRONMENT=")
	fmt.Fprintln(w, "  LLMTRACE_RELEASE=")
	fmt.Fprintln(w, "  LLMTRACE_SDK_INTEGRATION=DEFAULT")
	fmt.Fprintln(w, "  LLMTRACE_MAX_MESSAGE_BYTES=1000000")
	fmt.Fprintln(w, "  LLMTRACE_MAX_BATCH_BYTES=2500000")
	fmt.Fprintln(w, "  LLMTRACE_GZIP=false")
	fmt.Fprintln(w, "  LLMTRACE_LOG_LEVEL=warn")
}
