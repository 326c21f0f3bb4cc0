package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/sigv4"
)

type fakeDoer struct {
	status  int
	body    string
	lastReq *http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     make(http.Header),
	}, nil
}

type fakeCreds struct{}

func (fakeCreds) Retrieve(ctx context.Context) (sigv4.Credentials, error) {
	return sigv4.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
}

func newTestClient(t *testing.T, doer *fakeDoer) *Client {
	t.Helper()
	c, err := New(Options{
		Region:       "us-east-1",
		DefaultModel: "anthropic.claude-3-sonnet",
		Credentials:  fakeCreds{},
		HTTP:         doer,
	})
	require.NoError(t, err)
	return c
}

func TestGenerate_SignsRequestAndTranslatesResponse(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{
		"id":"msg_1",
		"content":[{"type":"text","text":"hi from bedrock"}],
		"stop_reason":"end_turn",
		"usage":{"input_tokens":2,"output_tokens":3}
	}`}
	c := newTestClient(t, doer)

	maxTok := 100
	resp, err := c.Generate(context.Background(), &canon.GenerateRequest{
		MaxTokens: &maxTok,
		Messages:  []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)
	require.Equal(t, canon.FinishStop, resp.FinishReason)
	require.Contains(t, doer.lastReq.URL.Path, "/model/anthropic.claude-3-sonnet/invoke")
	require.NotEmpty(t, doer.lastReq.Header.Get("Authorization"))
	require.Contains(t, doer.lastReq.Header.Get("Authorization"), "Credential=AKID/")
	require.Empty(t, doer.lastReq.Header.Get("x-api-key"))
}

func TestBuild_SetsAnthropicVersionAndOmitsStreamField(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	maxTok := 10
	br, _, err := c.build(&canon.GenerateRequest{
		MaxTokens: &maxTok,
		Messages:  []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)
	body, err := br.MarshalBody()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, bedrockAnthropicVersion, decoded["anthropic_version"])
	_, hasStream := decoded["stream"]
	require.False(t, hasStream, "bedrock selects streaming via the endpoint path, not a body field")
}

func TestGenerate_APIError(t *testing.T) {
	doer := &fakeDoer{status: 403, body: `{"message":"access denied"}`}
	c := newTestClient(t, doer)
	maxTok := 10
	_, err := c.Generate(context.Background(), &canon.GenerateRequest{
		MaxTokens: &maxTok,
		Messages:  []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, canon.ErrAPI)
}
