// Package cache wraps a canon.Client with a bounded, fingerprint-keyed
// response/stream cache (spec.md §4.6). No teacher file implements an LRU
// cache directly, so the policy logic below (fingerprint, size cap, stream
// recording/poisoning) is written fresh per spec.md, in the teacher's
// struct/constructor idiom; the bounded, TTL-aware storage itself is
// `github.com/hashicorp/golang-lru/v2/expirable`, an indirect teacher
// dependency promoted to direct use here since it is exactly the LRU+TTL
// primitive the spec asks for.
package cache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/omne42/ditto-llm/pkg/canon"
)

const (
	defaultMaxEntries     = 256
	defaultMaxValueBytes  = 4 * 1024 * 1024
	defaultMaxStreamChunk = 4096
	placeholderPartBytes  = 256
)

// Config tunes the cache's bounds. Every field is optional; the zero value
// selects spec.md §4.6's documented defaults.
type Config struct {
	MaxEntries      int           // default 256
	MaxValueBytes   int           // default 4MiB
	MaxStreamChunks int           // default 4096
	TTL             time.Duration // 0 disables expiry
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MaxValueBytes <= 0 {
		c.MaxValueBytes = defaultMaxValueBytes
	}
	if c.MaxStreamChunks <= 0 {
		c.MaxStreamChunks = defaultMaxStreamChunk
	}
	return c
}

// entryKind discriminates the two value variants a fingerprint can hold.
type entryKind int

const (
	entryGenerate entryKind = iota
	entryStream
)

type entry struct {
	kind     entryKind
	response *canon.GenerateResponse
	chunks   []canon.StreamChunk
}

// Client decorates a canon.Client with a cache layer. It implements
// canon.Client itself, so it can be composed with pkg/layer decorators or
// used as a drop-in replacement for the wrapped client.
type Client struct {
	inner canon.Client
	cfg   Config

	mu    sync.Mutex
	store *lru.LRU[uint64, entry]
}

// New wraps inner with a cache governed by cfg.
func New(inner canon.Client, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		inner: inner,
		cfg:   cfg,
		store: lru.NewLRU[uint64, entry](cfg.MaxEntries, nil, cfg.TTL),
	}
}

func (c *Client) ProviderName() string { return c.inner.ProviderName() }
func (c *Client) ModelID() string      { return c.inner.ModelID() }

// fingerprint hashes (provider_name, model_id, canonical_json(request))
// into a 64-bit cache key (spec.md §4.6).
func fingerprint(provider, model string, req *canon.GenerateRequest) (uint64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, canon.NewInvalidResponseError("cache: failed to canonicalize request: %v", err)
	}
	h := fnv.New64a()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum64(), nil
}

// Generate serves a cached response when the fingerprint hits, otherwise
// calls through to the wrapped client and caches the result if it fits
// within MaxValueBytes.
func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	key, err := fingerprint(c.inner.ProviderName(), c.inner.ModelID(), req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.store.Get(key); ok && e.kind == entryGenerate {
		c.mu.Unlock()
		return e.response, nil
	}
	c.mu.Unlock()

	resp, err := c.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	if responseSize(resp) <= c.cfg.MaxValueBytes {
		c.mu.Lock()
		c.store.Add(key, entry{kind: entryGenerate, response: resp})
		c.mu.Unlock()
	}
	return resp, nil
}

// Stream serves a replayed chunk sequence on a fingerprint hit, otherwise
// opens a live stream and records it for future replay. Recording poisons
// (does not insert) if the stream errors or exceeds MaxStreamChunks /
// MaxValueBytes.
func (c *Client) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	key, err := fingerprint(c.inner.ProviderName(), c.inner.ModelID(), req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.store.Get(key); ok && e.kind == entryStream {
		c.mu.Unlock()
		return newReplayStreamer(e.chunks), nil
	}
	c.mu.Unlock()

	upstream, err := c.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return newRecordingStreamer(upstream, c, key), nil
}

// insert stores a freshly-recorded stream's chunks under key.
func (c *Client) insert(key uint64, chunks []canon.StreamChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(key, entry{kind: entryStream, chunks: chunks})
}

// responseSize approximates a GenerateResponse's cached footprint by
// summing per-part bytes: a fixed placeholder for image/file parts, actual
// text lengths otherwise (spec.md §4.6).
func responseSize(resp *canon.GenerateResponse) int {
	total := 0
	for _, p := range resp.Content {
		total += partSize(p)
	}
	return total
}

func partSize(p canon.Part) int {
	switch v := p.(type) {
	case canon.TextPart:
		return len(v.Text)
	case canon.ReasoningPart:
		return len(v.Text)
	case canon.ImagePart, canon.FilePart:
		return placeholderPartBytes
	case canon.ToolCallPart:
		args, _ := json.Marshal(v.Arguments)
		return len(v.ID) + len(v.Name) + len(args)
	case canon.ToolResultPart:
		return len(v.ToolCallID) + len(v.Content)
	default:
		return placeholderPartBytes
	}
}

// chunkSize approximates a single StreamChunk's cached footprint, using the
// same per-part accounting rule as responseSize.
func chunkSize(c canon.StreamChunk) int {
	size := len(c.Text) + len(c.ToolCallID) + len(c.ToolCallName) + len(c.ArgumentsDelta) + len(c.ResponseID)
	if c.Type == canon.ChunkWarnings {
		for _, w := range c.Warnings {
			size += len(w.Feature) + len(w.Details) + len(w.Message)
		}
	}
	return size
}
