// Package layer composes canon.Client decorators in an onion structure,
// generalizing features/model/gateway/server.go's Server/UnaryMiddleware/
// StreamMiddleware shape from a Goa-service-specific middleware chain into a
// reusable wrapper around any canon.Client (spec.md §9's "heterogeneous
// capability interfaces ... behind shared ref-counted handles").
package layer

import (
	"context"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// UnaryHandler processes a single Generate call.
type UnaryHandler func(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error)

// StreamHandler processes a single Stream call.
type StreamHandler func(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error)

// UnaryMiddleware wraps a UnaryHandler to add behavior around it.
type UnaryMiddleware func(next UnaryHandler) UnaryHandler

// StreamMiddleware wraps a StreamHandler to add behavior around it.
type StreamMiddleware func(next StreamHandler) StreamHandler

// Option configures a Client during construction.
type Option func(*config)

type config struct {
	provider canon.Client
	unaryMW  []UnaryMiddleware
	streamMW []StreamMiddleware
}

// WithProvider sets the underlying canon.Client that forms the innermost
// layer of the middleware chain. Required.
func WithProvider(p canon.Client) Option {
	return func(c *config) { c.provider = p }
}

// WithUnary appends UnaryMiddleware to the Generate chain. Middleware is
// applied in registration order: the first middleware registered becomes
// the outermost layer.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *config) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends StreamMiddleware to the Stream chain, with the same
// registration-order-as-outermost-layer rule as WithUnary.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *config) { c.streamMW = append(c.streamMW, mw...) }
}

// Client is a canon.Client built from a provider plus zero or more
// middleware layers wrapped around it.
type Client struct {
	provider canon.Client
	unary    UnaryHandler
	stream   StreamHandler
}

// New builds a Client from opts. WithProvider must be supplied.
func New(opts ...Option) (*Client, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, canon.NewInvalidResponseError("layer: a provider is required")
	}

	baseUnary := func(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
		return cfg.provider.Generate(ctx, req)
	}
	baseStream := func(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
		return cfg.provider.Stream(ctx, req)
	}

	unary := baseUnary
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	stream := baseStream
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}

	return &Client{provider: cfg.provider, unary: unary, stream: stream}, nil
}

func (c *Client) ProviderName() string { return c.provider.ProviderName() }
func (c *Client) ModelID() string      { return c.provider.ModelID() }

func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	return c.unary(ctx, req)
}

func (c *Client) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	return c.stream(ctx, req)
}
