package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kon-rad/llmtrace/internal/clock"
	"github.com/kon-rad/llmtrace/internal/ingest"
)

const (
	IngestionPath = "/api/public/ingestion"

	SDKName    = "llmtrace-go"
	SDKVersion = "0.4.0"
	SDKVariant = "go"

	HeaderSDKName        = "X-LLMTrace-Sdk-Name"
	HeaderSDKVersion     = "X-LLMTrace-Sdk-Version"
	HeaderSDKVariant     = "X-LLMTrace-Sdk-Variant"
	HeaderSDKIntegration = "X-LLMTrace-Sdk-Integration"
	HeaderPublicKey      = "X-LLMTrace-Public-Key"
)

// ErrDelivery wraps the last error of a batch that exhausted its attempts.
var ErrDelivery = errors.New("batch delivery failed")

type Options struct {
	BaseURL           string
	PublicKey         string
	SecretKey         string
	SDKIntegration    string
	RetryCount        int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	Gzip              bool
	AdditionalHeaders map[string]string
	HTTPClient        *http.Client
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Result describes one delivered batch. With a 207 response Failed holds the
// items the server rejected and Errors their messages by id; everything else
// in the batch is in Delivered.
type Result struct {
	Status    int
	Attempts  int
	Delivered []*ingest.Item
	Failed    []*ingest.Item
	Errors    map[string]string
}

type Pusher struct {
	endpoint          string
	publicKey         string
	secretKey         string
	integration       string
	httpClient        *http.Client
	retryCount        int
	retryDelay        time.Duration
	requestTimeout    time.Duration
	gzip              bool
	additionalHeaders map[string]string
	clock             clock.Clock
	logger            *slog.Logger
}

type envelope struct {
	Batch    []*ingest.Item `json:"batch"`
	Metadata metadata       `json:"metadata"`
}

type metadata struct {
	BatchSize      int    `json:"batch_size"`
	PublicKey      string `json:"public_key"`
	SDKName        string `json:"sdk_name"`
	SDKVersion     string `json:"sdk_version"`
	SDKVariant     string `json:"sdk_variant"`
	SDKIntegration string `json:"sdk_integration"`
}

// MultiStatus is the 207 response body.
type MultiStatus struct {
	Successes []ItemStatus `json:"successes"`
	Errors    []ItemStatus `json:"errors"`
}

type ItemStatus struct {
	ID      string `json:"id"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   any    `json:"error,omitempty"`
}

func New(opts Options) *Pusher {
	p := &Pusher{
		endpoint:          opts.BaseURL + IngestionPath,
		publicKey:         opts.PublicKey,
		secretKey:         opts.SecretKey,
		integration:       opts.SDKIntegration,
		httpClient:        opts.HTTPClient,
		retryCount:        opts.RetryCount,
		retryDelay:        opts.RetryDelay,
		requestTimeout:    opts.RequestTimeout,
		gzip:              opts.Gzip,
		additionalHeaders: opts.AdditionalHeaders,
		clock:             opts.Clock,
		logger:            opts.Logger,
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{}
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.integration == "" {
		p.integration = "DEFAULT"
	}
	if p.retryCount < 0 {
		p.retryCount = 0
	}
	return p
}

func (p *Pusher) SetTestOptions(client *http.Client, retries int, delay time.Duration) {
	if client != nil {
		p.httpClient = client
	}
	p.retryCount = retries
	p.retryDelay = delay
}

// AuthorizationHeader returns Basic auth over both keys, or a bearer token
// with the public key alone when no secret key is configured.
func AuthorizationHeader(publicKey, secretKey string) string {
	if secretKey == "" {
		return "Bearer " + publicKey
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(publicKey+":"+secretKey))
}

// Send posts items as one batch, retrying transport errors and unexpected
// statuses with a fixed delay. A 207 is never retried here; its failed items
// come back in Result.Failed for the caller to requeue.
func (p *Pusher) Send(ctx context.Context, items []*ingest.Item) (Result, error) {
	if len(items) == 0 {
		return Result{}, nil
	}
	body, err := p.buildBody(items)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{Attempts: attempts}, fmt.Errorf("%w: %w", ErrDelivery, ctx.Err())
			case <-p.clock.After(p.retryDelay):
			}
			p.logger.Debug("retrying batch", "attempt", attempt+1, "of", p.retryCount+1)
		}
		attempts++

		status, respBody, err := p.post(ctx, body)
		if err == nil {
			switch {
			case status == http.StatusMultiStatus:
				return p.reconcile(items, respBody, attempts), nil
			case status >= 200 && status < 300:
				return Result{Status: status, Attempts: attempts, Delivered: items}, nil
			}
			err = fmt.Errorf("ingestion status %d: %s", status, ingest.TruncateBytes(string(respBody), 512))
		}
		lastErr = err
		p.logger.Debug("batch attempt failed", "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			return Result{Attempts: attempts}, fmt.Errorf("%w: %w", ErrDelivery, ctx.Err())
		}
	}
	return Result{Attempts: attempts}, fmt.Errorf("%w after %d attempts: %w", ErrDelivery, attempts, lastErr)
}

func (p *Pusher) buildBody(items []*ingest.Item) ([]byte, error) {
	body, err := json.Marshal(envelope{
		Batch: items,
		Metadata: metadata{
			BatchSize:      len(items),
			PublicKey:      p.publicKey,
			SDKName:        SDKName,
			SDKVersion:     SDKVersion,
			SDKVariant:     SDKVariant,
			SDKIntegration: p.integration,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if !p.gzip {
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

// post performs one attempt bounded by the request timeout.
func (p *Pusher) post(ctx context.Context, body []byte) (int, []byte, error) {
	attemptCtx := ctx
	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", AuthorizationHeader(p.publicKey, p.secretKey))
	req.Header.Set(HeaderSDKName, SDKName)
	req.Header.Set(HeaderSDKVersion, SDKVersion)
	req.Header.Set(HeaderSDKVariant, SDKVariant)
	req.Header.Set(HeaderSDKIntegration, p.integration)
	req.Header.Set(HeaderPublicKey, p.publicKey)
	if p.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range p.additionalHeaders {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (p *Pusher) reconcile(items []*ingest.Item, respBody []byte, attempts int) Result {
	res := Result{Status: http.StatusMultiStatus, Attempts: attempts}
	var ms MultiStatus
	if err := json.Unmarshal(respBody, &ms); err != nil {
		p.logger.Warn("unreadable 207 response, treating batch as delivered", "error", err)
		res.Delivered = items
		return res
	}
	if len(ms.Errors) == 0 {
		res.Delivered = items
		return res
	}

	res.Errors = make(map[string]string, len(ms.Errors))
	for _, e := range ms.Errors {
		msg := e.Message
		if msg == "" && e.Error != nil {
			msg = fmt.Sprint(e.Error)
		}
		res.Errors[e.ID] = msg
	}
	for _, it := range items {
		if _, failed := res.Errors[it.ID]; failed {
			res.Failed = append(res.Failed, it)
		} else {
			res.Delivered = append(res.Delivered, it)
		}
	}
	return res
}
