package llmtrace

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kon-rad/llmtrace/internal/clock"
	"github.com/kon-rad/llmtrace/internal/config"
)

// DefaultMaxItemRetries bounds how often an event rejected inside a 207
// response is requeued.
const DefaultMaxItemRetries = 3

type settings struct {
	overrides      []func(*config.Config)
	mask           MaskFunc
	httpClient     *http.Client
	store          Store
	clock          clock.Clock
	logger         *slog.Logger
	logOutput      io.Writer
	maxItemRetries int
	env            map[string]string
}

// Option configures a Client. Options are applied after the environment so
// they take precedence over it.
type Option func(*settings)

func override(fn func(*config.Config)) Option {
	return func(s *settings) { s.overrides = append(s.overrides, fn) }
}

func WithPublicKey(key string) Option {
	return override(func(c *config.Config) { c.PublicKey = key })
}

func WithSecretKey(key string) Option {
	return override(func(c *config.Config) { c.SecretKey = key })
}

func WithBaseURL(url string) Option {
	return override(func(c *config.Config) { c.BaseURL = url })
}

// WithFlushAt sets the queue length that triggers a background flush.
// Values below one are raised to one.
func WithFlushAt(n int) Option {
	return override(func(c *config.Config) { c.FlushAt = n })
}

func WithFlushInterval(d time.Duration) Option {
	return override(func(c *config.Config) { c.FlushInterval = d })
}

// WithRetries sets how many times a failed batch is retried and the fixed
// delay between attempts.
func WithRetries(count int, delay time.Duration) Option {
	return override(func(c *config.Config) {
		c.FetchRetryCount = count
		c.FetchRetryDelay = delay
	})
}

func WithRequestTimeout(d time.Duration) Option {
	return override(func(c *config.Config) { c.RequestTimeout = d })
}

// WithSampleRate keeps roughly rate of all traces. Every event of a trace
// shares the same verdict.
func WithSampleRate(rate float64) Option {
	return override(func(c *config.Config) { c.SampleRate = rate })
}

func WithEnabled(enabled bool) Option {
	return override(func(c *config.Config) { c.Enabled = enabled })
}

func WithEnvironment(env string) Option {
	return override(func(c *config.Config) { c.Environment = env })
}

func WithRelease(release string) Option {
	return override(func(c *config.Config) { c.Release = release })
}

func WithSDKIntegration(name string) Option {
	return override(func(c *config.Config) { c.SDKIntegration = name })
}

func WithSizeLimits(maxMessageBytes, maxBatchBytes int) Option {
	return override(func(c *config.Config) {
		c.MaxMessageBytes = maxMessageBytes
		c.MaxBatchBytes = maxBatchBytes
	})
}

func WithGzip(enabled bool) Option {
	return override(func(c *config.Config) { c.Gzip = enabled })
}

func WithAdditionalHeaders(headers map[string]string) Option {
	return override(func(c *config.Config) {
		c.AdditionalHeaders = make(map[string]string, len(headers))
		for k, v := range headers {
			c.AdditionalHeaders[k] = v
		}
	})
}

// WithPublicKeyOnly marks a restricted context that never holds the secret
// key. Requests authenticate with the public key alone, and a missing public
// key disables the client instead of failing construction.
func WithPublicKeyOnly() Option {
	return override(func(c *config.Config) { c.PublicKeyOnly = true })
}

// WithLocalExport keeps delivered events in memory, readable through
// ExportedItems, instead of sending them.
func WithLocalExport(projectID string) Option {
	return override(func(c *config.Config) {
		c.ProjectID = projectID
		c.LocalEventExport = true
	})
}

func WithLogLevel(level string) Option {
	return override(func(c *config.Config) { c.LogLevel = level })
}

func WithMask(mask MaskFunc) Option {
	return func(s *settings) { s.mask = mask }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) { s.httpClient = client }
}

// WithStore persists the pending queue somewhere other than process memory.
func WithStore(st Store) Option {
	return func(s *settings) { s.store = st }
}

func WithClock(clk clock.Clock) Option {
	return func(s *settings) { s.clock = clk }
}

// WithLogger replaces the client's logger. Debug(true) still lets debug
// records through to its handler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithLogOutput keeps the client's JSON logger but writes it to w.
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) { s.logOutput = w }
}

func WithMaxItemRetries(n int) Option {
	return func(s *settings) { s.maxItemRetries = n }
}

// WithEnv resolves configuration from env instead of the process
// environment.
func WithEnv(env map[string]string) Option {
	return func(s *settings) { s.env = env }
}
