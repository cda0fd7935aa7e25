package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/corefold/relay/pkg/cache"
)

// defaultCacheTTL is used when a cache-opted request doesn't set a TTL.
const defaultCacheTTL = 5 * time.Minute

// ResponseCache stores completed non-streaming responses in Redis, keyed by
// the request's semantic content. Cache hits bypass provider selection and
// budget accounting entirely; cost was already paid when the entry was
// written.
type ResponseCache struct {
	client *cache.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewResponseCache creates a cache over the given Redis client.
func NewResponseCache(client *cache.Client, ttl time.Duration, logger *slog.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResponseCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "response-cache"),
	}
}

// Key derives the cache key from the request's semantic fields. Metadata is
// excluded: two requests asking the same question share an entry.
func (c *ResponseCache) Key(req ChatRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%.3f\n", req.Model, req.Provider, req.MaxTokens, req.Temperature)
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s:%s\n", m.Role, m.Content)
	}
	return "chat:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response for a request, if present. Cache errors
// are logged and treated as misses.
func (c *ResponseCache) Get(ctx context.Context, req ChatRequest) (*ChatResponse, bool) {
	key := c.Key(req)
	var resp ChatResponse
	if err := c.client.GetJSON(ctx, key, &resp); err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	if resp.Content == "" {
		return nil, false
	}
	return &resp, true
}

// Set stores a completed response. Write failures are logged, not surfaced;
// the caller already has its response.
func (c *ResponseCache) Set(ctx context.Context, req ChatRequest, resp *ChatResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := c.Key(req)
	if err := c.client.Set(ctx, key, resp, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
