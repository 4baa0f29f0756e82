package llmtrace

import (
	"context"
	"time"

	"github.com/kon-rad/llmtrace/internal/promptcache"
	"github.com/kon-rad/llmtrace/internal/prompts"
)

type GetPromptOptions struct {
	// Version selects an exact version and wins over Label.
	Version int
	// Label defaults to "production".
	Label string
	// CacheTTL defaults to 60s.
	CacheTTL time.Duration
	// NoCache fetches on every call and stores nothing.
	NoCache bool
	// Fallback is returned, marked IsFallback, when nothing is cached and the
	// fetch fails.
	Fallback *Prompt
	// MaxRetries defaults to 2. Negative disables retries.
	MaxRetries   int
	FetchTimeout time.Duration
}

// GetPrompt returns a prompt from the cache, fetching it on a miss. An
// expired entry is served while one background fetch replaces it.
func (c *Client) GetPrompt(ctx context.Context, name string, opts GetPromptOptions) (*Prompt, error) {
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = promptcache.DefaultTTL
	}
	if opts.NoCache {
		ttl = 0
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = prompts.DefaultMaxRetries
	}
	fetch := func(ctx context.Context) (*prompts.Prompt, error) {
		return c.prompts.Get(ctx, name, prompts.FetchOptions{
			Version:      opts.Version,
			Label:        opts.Label,
			MaxRetries:   retries,
			FetchTimeout: opts.FetchTimeout,
		})
	}

	key := prompts.CacheKey(name, opts.Version, opts.Label)
	p, err := c.cache.GetOrRefresh(ctx, key, ttl, fetch)
	if err != nil {
		if opts.Fallback == nil {
			return nil, err
		}
		c.logger.Warn("serving fallback prompt", "name", name, "error", err)
		fb := *opts.Fallback
		fb.Name = name
		fb.Version = 0
		fb.IsFallback = true
		if fb.Type == "" {
			fb.Type = prompts.TypeText
		}
		return &fb, nil
	}
	return p, nil
}

// CreatePrompt stores a new prompt version and drops cached entries the new
// labels may have changed.
func (c *Client) CreatePrompt(ctx context.Context, req CreatePromptRequest) (*Prompt, error) {
	p, err := c.prompts.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, label := range p.Labels {
		c.cache.Invalidate(prompts.CacheKey(p.Name, 0, label))
	}
	return p, nil
}
