// Package vertex adapts pkg/providers/google to Vertex AI's hosting and
// auth model (spec.md §4.2.6): same generateContent wire body, but reached
// through a project/location-scoped URL and authenticated with an OAuth2
// client-credentials token instead of an API key header. Grounded on
// features/model/bedrock/client.go's Options/Client/New shape — Vertex
// relates to Google the same way Bedrock relates to Anthropic, a hosting
// wrapper around an already-complete translator rather than a new one.
package vertex

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/providers/google"
)

// Options configures a Vertex-hosted Client.
type Options struct {
	ProjectID string
	Location  string // e.g. "us-central1"

	// OAuth2 client-credentials grant (spec.md §6: "POST form-encoded
	// grant, response = {access_token, token_type, expires_in?, scope?}").
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	DefaultModel     string
	DefaultMaxTokens int
}

// Client implements canon.Client against Vertex AI's generateContent
// endpoint.
type Client struct {
	inner *google.Client
}

// New builds a Vertex-hosted canon.Client. The returned Client's HTTP
// transport attaches a fresh bearer token to every request via
// golang.org/x/oauth2/clientcredentials, refreshing it as it expires.
func New(opts Options) (*Client, error) {
	if opts.ProjectID == "" || opts.Location == "" {
		return nil, canon.NewInvalidResponseError("vertex: project and location are required")
	}
	cc := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
		Scopes:       opts.Scopes,
	}
	httpClient := cc.Client(context.Background())

	baseURL := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google",
		opts.Location, opts.ProjectID, opts.Location,
	)

	inner, err := google.New(google.Options{
		BaseURL:          baseURL,
		DefaultModel:     opts.DefaultModel,
		DefaultMaxTokens: opts.DefaultMaxTokens,
		HTTP:             httpClient,
	})
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

func (c *Client) ProviderName() string { return "vertex" }
func (c *Client) ModelID() string      { return c.inner.ModelID() }

// Generate delegates to the wrapped Google translator; the wire body and
// all translation rules are identical to direct Google access (spec.md
// §4.2.6).
func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	return c.inner.Generate(ctx, req)
}

// Stream is not implemented for Vertex (spec.md §4.2.6: "stream returns a
// 'not implemented' error").
func (c *Client) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	return nil, canon.NewInvalidResponseError("vertex: streaming is not implemented")
}
