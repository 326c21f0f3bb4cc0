package openaicompat

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
	status   int
	body     string
	lastReq  *http.Request
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
	c, err := New(Options{APIKey: "sk-test", DefaultModel: "gpt-4o", HTTP: doer})
	require.NoError(t, err)
	return c
}

func TestGenerate_TextResponse(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{
		"id":"chatcmpl_1",
		"choices":[{"message":{"role":"assistant","content":"hello back"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}
	}`}
	c := newTestClient(t, doer)

	resp, err := c.Generate(context.Background(), &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	tp, ok := resp.Content[0].(canon.TextPart)
	require.True(t, ok)
	require.Equal(t, "hello back", tp.Text)
	require.Equal(t, canon.FinishStop, resp.FinishReason)
	require.Equal(t, 12, *resp.Usage.TotalTokens)
	require.Equal(t, "Bearer sk-test", doer.lastReq.Header.Get("Authorization"))
}

func TestGenerate_ToolCallsResponse(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{
		"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"add","arguments":"{\"a\":1,\"b\":2}"}}
		]},"finish_reason":"tool_calls"}],
		"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}
	}`}
	c := newTestClient(t, doer)
	resp, err := c.Generate(context.Background(), &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "add 1 and 2"}}}},
		Tools:    []canon.Tool{{Name: "add", Description: "adds", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.Equal(t, canon.FinishToolCalls, resp.FinishReason)
	tc, ok := resp.Content[0].(canon.ToolCallPart)
	require.True(t, ok)
	require.Equal(t, "call_1", tc.ID)
	require.Equal(t, "add", tc.Name)
}

func TestGenerate_APIError(t *testing.T) {
	doer := &fakeDoer{status: 400, body: `{"error":{"message":"bad request"}}`}
	c := newTestClient(t, doer)
	_, err := c.Generate(context.Background(), &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, canon.ErrAPI)
}

func TestBuild_TemperatureClampedTo2(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	temp := 5.0
	wr, warnings, err := c.build(&canon.GenerateRequest{
		Temperature: &temp,
		Messages:    []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}, false)
	require.NoError(t, err)
	require.Equal(t, 2.0, *wr.wire.Temperature)
	require.Len(t, warnings, 1)
	require.Equal(t, canon.WarningClamped, warnings[0].Kind)
}

func TestBuild_UserTextOnlyCollapsesToString(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	wr, _, err := c.build(&canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi there"}}}},
	}, false)
	require.NoError(t, err)
	require.Equal(t, "hi there", wr.wire.Messages[0].Content)
}

func TestBuild_UserWithImageBecomesPartsArray(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	wr, _, err := c.build(&canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{
			canon.TextPart{Text: "look"},
			canon.NewImageURL("https://example.com/cat.png"),
		}}},
	}, false)
	require.NoError(t, err)
	parts, ok := wr.wire.Messages[0].Content.([]wireContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	require.Equal(t, "image_url", parts[1].Type)
	require.Equal(t, "https://example.com/cat.png", parts[1].ImageURL.URL)
}

func TestBuild_ToolStrictWarns(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	_, warnings, err := c.build(&canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
		Tools:    []canon.Tool{{Name: "f", Parameters: map[string]any{}, Strict: true}},
	}, false)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, canon.WarningUnsupported, warnings[0].Kind)
}

func TestBuild_AssistantToolCallArgumentsStringified(t *testing.T) {
	c := newTestClient(t, &fakeDoer{})
	wr, _, err := c.build(&canon.GenerateRequest{
		Messages: []canon.Message{
			{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "add"}}},
			{Role: canon.RoleAssistant, Parts: []canon.Part{
				canon.ToolCallPart{ID: "call_1", Name: "add", Arguments: map[string]any{"a": 1.0}},
			}},
			{Role: canon.RoleTool, Parts: []canon.Part{canon.ToolResultPart{ToolCallID: "call_1", Content: "3"}}},
		},
	}, false)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, wr.wire.Messages[1].ToolCalls[0].Function.Arguments)
	require.Equal(t, "tool", wr.wire.Messages[2].Role)
	require.Equal(t, "call_1", wr.wire.Messages[2].ToolCallID)
}

func TestBuild_RawMergeUnrecognizedProviderOptions(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"seed": 42})
	require.NoError(t, err)
	c := newTestClient(t, &fakeDoer{})
	wr, _, err := c.build(&canon.GenerateRequest{
		Messages:        []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
		ProviderOptions: raw,
	}, false)
	require.NoError(t, err)
	body, err := wr.MarshalBody()
	require.NoError(t, err)
	require.Contains(t, string(body), `"seed":42`)
}
