package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

type fakeDoer struct {
	status  int
	body    string
	lastReq *http.Request
	lastBody []byte
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     make(http.Header),
	}, nil
}

func newTestClient(t *testing.T, doer *fakeDoer) *Client {
	t.Helper()
	c, err := New(Options{APIKey: "sk-test", DefaultModel: "claude-sonnet-4", HTTP: doer})
	require.NoError(t, err)
	return c
}

func TestGenerate_TextResponse(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{
		"id":"msg_1",
		"content":[{"type":"text","text":"hello back"}],
		"stop_reason":"end_turn",
		"usage":{"input_tokens":5,"output_tokens":7}
	}`}
	c := newTestClient(t, doer)

	maxTok := 100
	resp, err := c.Generate(context.Background(), &canon.GenerateRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages: []canon.Message{
			{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	tp, ok := resp.Content[0].(canon.TextPart)
	require.True(t, ok)
	require.Equal(t, "hello back", tp.Text)
	require.Equal(t, canon.FinishStop, resp.FinishReason)
	require.Equal(t, 12, *resp.Usage.TotalTokens)

	require.Equal(t, "sk-test", doer.lastReq.Header.Get("x-api-key"))
	require.Equal(t, anthropicVersion, doer.lastReq.Header.Get("anthropic-version"))
}

func TestGenerate_ToolUseResponse(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{
		"id":"msg_2",
		"content":[{"type":"tool_use","id":"t1","name":"add","input":{"a":1,"b":2}}],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":3,"output_tokens":4}
	}`}
	c := newTestClient(t, doer)
	maxTok := 50
	resp, err := c.Generate(context.Background(), &canon.GenerateRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages: []canon.Message{
			{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "add 1 and 2"}}},
		},
		Tools: []canon.Tool{{Name: "add", Description: "adds", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.Equal(t, canon.FinishToolCalls, resp.FinishReason)
	tc, ok := resp.Content[0].(canon.ToolCallPart)
	require.True(t, ok)
	require.Equal(t, "t1", tc.ID)
	require.Equal(t, "add", tc.Name)
}

func TestGenerate_APIError(t *testing.T) {
	doer := &fakeDoer{status: 400, body: `{"error":{"message":"bad request"}}`}
	c := newTestClient(t, doer)
	maxTok := 10
	_, err := c.Generate(context.Background(), &canon.GenerateRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages:  []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, canon.ErrAPI)
}

func TestBuild_TemperatureClamp(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	temp := 5.0
	maxTok := 10
	wr, warnings, err := c.build(&canon.GenerateRequest{
		Model:       "claude-sonnet-4",
		MaxTokens:   &maxTok,
		Temperature: &temp,
		Messages:    []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}, false)
	require.NoError(t, err)
	require.Equal(t, 1.0, *wr.wire.Temperature)
	require.Len(t, warnings, 1)
	require.Equal(t, canon.WarningClamped, warnings[0].Kind)
}

func TestBuild_StopSequencesCappedAtFour(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	maxTok := 10
	wr, warnings, err := c.build(&canon.GenerateRequest{
		Model:         "claude-sonnet-4",
		MaxTokens:     &maxTok,
		StopSequences: []string{"a", "b", "c", "d", "e"},
		Messages:      []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}, false)
	require.NoError(t, err)
	require.Len(t, wr.wire.StopSequences, 4)
	require.NotEmpty(t, warnings)
}

func TestBuild_SystemMessagesCollapseUntilFirstNonSystem(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	maxTok := 10
	wr, warnings, err := c.build(&canon.GenerateRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages: []canon.Message{
			{Role: canon.RoleSystem, Parts: []canon.Part{canon.TextPart{Text: "be nice"}}},
			{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}},
			{Role: canon.RoleSystem, Parts: []canon.Part{canon.TextPart{Text: "too late"}}},
		},
	}, false)
	require.NoError(t, err)
	require.Equal(t, "be nice", wr.wire.System)
	require.Len(t, warnings, 1)
	require.Equal(t, canon.WarningUnsupported, warnings[0].Kind)
}

func TestBuild_NonPDFFileWarns(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	maxTok := 10
	_, warnings, err := c.build(&canon.GenerateRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: &maxTok,
		Messages: []canon.Message{
			{Role: canon.RoleUser, Parts: []canon.Part{
				canon.TextPart{Text: "see attached"},
				canon.NewFileBase64("notes.txt", "text/plain", "aGVsbG8="),
			}},
		},
	}, false)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, canon.WarningUnsupported, warnings[0].Kind)
}

func TestBuild_RawMergeUnrecognizedProviderOptions(t *testing.T) {
	maxTok := 10
	raw, err := json.Marshal(map[string]any{"top_k": 40})
	require.NoError(t, err)
	c := newTestClient(t, &fakeDoer{})
	wr, _, err := c.build(&canon.GenerateRequest{
		Model:           "claude-sonnet-4",
		MaxTokens:       &maxTok,
		Messages:        []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
		ProviderOptions: raw,
	}, false)
	require.NoError(t, err)
	body, err := wr.MarshalBody()
	require.NoError(t, err)
	require.Contains(t, string(body), `"top_k":40`)
}
