// Package bedrock translates canonical requests to AWS Bedrock's InvokeModel
// API for Anthropic-hosted models (spec.md §4.2.5). The wire body is the
// Anthropic Messages body built by pkg/providers/anthropic plus
// anthropic_version; auth is AWS SigV4 (pkg/sigv4) rather than an x-api-key
// header. Grounded on goadesign-goa-ai's features/model/bedrock/client.go for
// the Options/Client/New shape and credential plumbing, with the Converse SDK
// call (bedrockruntime.Client) replaced by a raw signed HTTP POST since the
// spec requires InvokeModel's Anthropic-shaped wire body, not Converse's.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/providers/anthropic"
	"github.com/omne42/ditto-llm/pkg/sigv4"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// HTTPDoer is the minimal seam over *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CredentialsProvider resolves AWS credentials lazily, matching
// aws.CredentialsProvider's shape without requiring callers to import the
// full aws-sdk-go-v2 aws package.
type CredentialsProvider interface {
	Retrieve(ctx context.Context) (sigv4.Credentials, error)
}

// Options configures a Bedrock-backed Client.
type Options struct {
	// Region is the AWS region hosting the model (e.g. "us-east-1").
	Region string

	// BaseURL overrides the default bedrock-runtime endpoint. Used by tests.
	BaseURL string

	// Credentials resolves the AWS credentials used to sign each request.
	// When nil, each signed request resolves the default credential chain
	// via aws-sdk-go-v2/config (env vars, shared config, IMDS, etc).
	Credentials CredentialsProvider

	DefaultModel     string
	DefaultMaxTokens int

	HTTP HTTPDoer
}

// Client implements canon.Client against AWS Bedrock's InvokeModel API for
// Anthropic models.
type Client struct {
	region       string
	baseURL      string
	creds        CredentialsProvider
	defaultModel string
	defaultMax   int
	http         HTTPDoer
	signer       *sigv4.Signer
}

// sdkCredentialsAdapter adapts aws-sdk-go-v2/config's resolved credential
// chain to the narrow CredentialsProvider seam used here, so the signer
// depends only on pkg/sigv4's Credentials type.
type sdkCredentialsAdapter struct {
	region string
}

func (a sdkCredentialsAdapter) Retrieve(ctx context.Context) (sigv4.Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(a.region))
	if err != nil {
		return sigv4.Credentials{}, canon.NewAuthCommandError("bedrock: load AWS config: %v", err)
	}
	v, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return sigv4.Credentials{}, canon.NewAuthCommandError("bedrock: resolve AWS credentials: %v", err)
	}
	return sigv4.Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}, nil
}

// StaticCredentials returns a CredentialsProvider for a fixed access key
// pair, wrapping aws-sdk-go-v2/credentials.NewStaticCredentialsProvider so
// that static-credential configuration goes through the same SDK type the
// rest of the AWS ecosystem expects.
func StaticCredentials(accessKeyID, secretAccessKey, sessionToken string) CredentialsProvider {
	return staticCredentialsProvider{
		inner: awscreds.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken),
	}
}

type staticCredentialsProvider struct {
	inner awscreds.StaticCredentialsProvider
}

func (s staticCredentialsProvider) Retrieve(ctx context.Context) (sigv4.Credentials, error) {
	v, err := s.inner.Retrieve(ctx)
	if err != nil {
		return sigv4.Credentials{}, canon.NewAuthCommandError("bedrock: resolve static credentials: %v", err)
	}
	return sigv4.Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}, nil
}

// New builds a Bedrock-backed canon.Client.
func New(opts Options) (*Client, error) {
	if opts.Region == "" {
		return nil, canon.NewInvalidResponseError("bedrock: region is required")
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	creds := opts.Credentials
	if creds == nil {
		creds = sdkCredentialsAdapter{region: opts.Region}
	}
	base := opts.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", opts.Region)
	}
	maxTok := opts.DefaultMaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{
		region:       opts.Region,
		baseURL:      strings.TrimRight(base, "/"),
		creds:        creds,
		defaultModel: opts.DefaultModel,
		defaultMax:   maxTok,
		http:         opts.HTTP,
		signer:       &sigv4.Signer{Region: opts.Region, Service: "bedrock"},
	}, nil
}

func (c *Client) ProviderName() string { return "bedrock" }
func (c *Client) ModelID() string      { return c.defaultModel }

// build translates the canonical request into an Anthropic-shaped Bedrock
// body, reusing pkg/providers/anthropic's encoder. stream is always passed
// as false to BuildRequest: Bedrock selects streaming via the endpoint path,
// not a body field, so the typed "stream" key must never be emitted.
func (c *Client) build(req *canon.GenerateRequest) (*anthropic.BuiltRequest, []canon.Warning, error) {
	br, warnings, err := anthropic.BuildRequest(req, c.defaultModel, c.defaultMax, false)
	if err != nil {
		return nil, nil, err
	}
	br.SetField("anthropic_version", bedrockAnthropicVersion)
	return br, warnings, nil
}

func (c *Client) signedRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Host = httpReq.URL.Host

	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	if err := c.signer.SignRequest(httpReq, payloadHash, creds); err != nil {
		return nil, canon.NewInvalidResponseError("bedrock: sign request: %v", err)
	}
	return httpReq, nil
}

// Generate issues a buffered InvokeModel request.
func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	br, warnings, err := c.build(req)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	path := fmt.Sprintf("/model/%s/invoke", br.Model())
	httpReq, err := c.signedRequest(ctx, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, canon.NewHTTPError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, canon.NewAPIError(resp.StatusCode, string(data))
	}
	var wresp anthropic.WireResponse
	if err := json.Unmarshal(data, &wresp); err != nil {
		return nil, canon.NewInvalidResponseError("bedrock: invalid response body: %v", err)
	}
	return anthropic.TranslateResponse(&wresp, warnings)
}
