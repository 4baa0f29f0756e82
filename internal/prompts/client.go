package prompts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kon-rad/llmtrace/internal/clock"
	"github.com/kon-rad/llmtrace/internal/push"
)

const (
	Path = "/api/public/v2/prompts"

	DefaultMaxRetries   = 2
	DefaultFetchTimeout = 10 * time.Second
	retryDelay          = 500 * time.Millisecond
)

var (
	// ErrNetwork is returned when every fetch attempt failed in transport.
	ErrNetwork  = errors.New("network error while fetching prompt")
	ErrNotFound = errors.New("prompt not found")
)

type FetchOptions struct {
	Version int
	Label   string
	// MaxRetries counts attempts after the first. Negative means none.
	MaxRetries   int
	FetchTimeout time.Duration
}

type CreateRequest struct {
	Name          string        `json:"name"`
	Type          Type          `json:"type"`
	Text          string        `json:"-"`
	Messages      []ChatMessage `json:"-"`
	Config        any           `json:"config,omitempty"`
	Labels        []string      `json:"labels,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	CommitMessage string        `json:"commitMessage,omitempty"`
}

func (r CreateRequest) MarshalJSON() ([]byte, error) {
	type alias CreateRequest
	var body any = r.Text
	if r.Type == TypeChat {
		body = r.Messages
	}
	return json.Marshal(struct {
		alias
		Prompt any `json:"prompt"`
	}{alias(r), body})
}

type ClientOptions struct {
	BaseURL    string
	PublicKey  string
	SecretKey  string
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	auth       string
	publicKey  string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{
		baseURL:    opts.BaseURL,
		auth:       push.AuthorizationHeader(opts.PublicKey, opts.SecretKey),
		publicKey:  opts.PublicKey,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     opts.Logger,
		retryDelay: retryDelay,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Get fetches one prompt version. Transport errors and timeouts are retried
// up to MaxRetries times; any HTTP response ends the attempt loop.
func (c *Client) Get(ctx context.Context, name string, opts FetchOptions) (*Prompt, error) {
	endpoint := c.baseURL + Path + "/" + url.PathEscape(name)
	q := url.Values{}
	switch {
	case opts.Version > 0:
		q.Set("version", strconv.Itoa(opts.Version))
	case opts.Label != "":
		q.Set("label", opts.Label)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w %s: %w", ErrNetwork, name, ctx.Err())
			case <-c.clock.After(c.retryDelay):
			}
		}
		status, body, err := c.do(ctx, http.MethodGet, endpoint, nil, timeout)
		if err != nil {
			lastErr = err
			c.logger.Debug("prompt fetch attempt failed", "name", name, "attempt", attempt+1, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		switch {
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		case status < 200 || status >= 300:
			return nil, fmt.Errorf("fetch prompt %s: status %d: %s", name, status, truncateBody(body))
		}
		var p Prompt
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode prompt %s: %w", name, err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("%w %s after %d attempts: %w", ErrNetwork, name, retries+1, lastErr)
}

// Create stores a new version of a prompt and returns it as the server saw it.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Prompt, error) {
	if req.Type == "" {
		req.Type = TypeText
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode prompt %s: %w", req.Name, err)
	}
	status, resp, err := c.do(ctx, http.MethodPost, c.baseURL+Path, body, DefaultFetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("create prompt %s: %w", req.Name, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("create prompt %s: status %d: %s", req.Name, status, truncateBody(resp))
	}
	var p Prompt
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("decode created prompt %s: %w", req.Name, err)
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set(push.HeaderSDKName, push.SDKName)
	req.Header.Set(push.HeaderSDKVersion, push.SDKVersion)
	req.Header.Set(push.HeaderPublicKey, c.publicKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func truncateBody(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
