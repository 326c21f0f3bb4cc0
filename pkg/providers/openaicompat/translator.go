// Package openaicompat translates canonical requests/responses to and from
// the OpenAI chat/completions wire API (spec.md §4.2.2). The wire body is
// built and parsed by hand, mirroring pkg/providers/anthropic's approach;
// grounded on goadesign-goa-ai's features/model/openai/client.go for the
// Options/Client/New shape and encodeTools/translateResponse split, with the
// go-openai SDK call replaced by a raw HTTP POST so raw-merge and per-field
// clamping (spec.md §4.2 steps 4-6) can be expressed directly.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/omne42/ditto-llm/pkg/canon"
)

const defaultBaseURL = "https://api.openai.com/v1"

// HTTPDoer is the minimal seam over *http.Client used so tests can supply a
// fake transport instead of a real network client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the default OpenAI-compatible origin, used for
	// self-hosted/compatible backends and tests.
	BaseURL string

	// APIKey is sent as a Bearer token. Leave empty for backends that don't
	// require auth.
	APIKey string

	DefaultModel     string
	DefaultMaxTokens int

	HTTP HTTPDoer
}

// Client implements canon.Client against an OpenAI-compatible
// chat/completions API.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	defaultMax   int
	http         HTTPDoer
}

// New builds an openai-compatible canon.Client.
func New(opts Options) (*Client, error) {
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	maxTok := opts.DefaultMaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{
		baseURL:      strings.TrimRight(base, "/"),
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		defaultMax:   maxTok,
		http:         opts.HTTP,
	}, nil
}

func (c *Client) ProviderName() string { return "openai-compatible" }
func (c *Client) ModelID() string      { return c.defaultModel }

// wire types

type wireRequest struct {
	Model            string          `json:"model"`
	Messages         []wireMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []wireTool      `json:"tools,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
	ParallelToolCall *bool           `json:"parallel_tool_calls,omitempty"`
	ResponseFormat   any             `json:"response_format,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *wireImageURL  `json:"image_url,omitempty"`
	File     *wireFileBlock `json:"file,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireFileBlock struct {
	FileData string `json:"file_data,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

type WireResponse struct {
	ID      string       `json:"id"`
	Choices []wireChoice `json:"choices"`
	Usage   WireUsage    `json:"usage"`
}

type wireChoice struct {
	Message      wireResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type wireResponseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type WireUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	PromptTokensDetails     struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

var reservedBodyKeys = map[string]bool{
	"model": true, "messages": true, "temperature": true, "top_p": true,
	"max_tokens": true, "stop": true, "tools": true, "tool_choice": true,
	"parallel_tool_calls": true, "response_format": true, "stream": true,
}

// BuiltRequest is the result of translating a canonical request.
type BuiltRequest struct {
	wire *wireRequest
	body map[string]any
}

func (b *BuiltRequest) Model() string { return b.wire.Model }

func (b *BuiltRequest) MarshalBody() ([]byte, error) {
	return json.Marshal(b.body)
}

func (c *Client) build(req *canon.GenerateRequest, stream bool) (*BuiltRequest, []canon.Warning, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, nil, canon.NewInvalidResponseError("openai-compatible: model is required")
	}

	var warnings []canon.Warning

	opts, err := canon.SelectProviderOptions(req.ProviderOptions, canon.ProviderOpenAICompatible)
	if err != nil {
		return nil, nil, err
	}

	toolCallNames := collectToolCallNames(req.Messages)
	messages, msgWarnings, err := encodeMessages(req.Messages, toolCallNames)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, msgWarnings...)

	wr := &wireRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if req.Temperature != nil {
		t, w := clamp(*req.Temperature, 0, 2, "temperature")
		wr.Temperature = &t
		if w != nil {
			warnings = append(warnings, *w)
		}
	}
	if req.TopP != nil {
		p, w := clamp(*req.TopP, 0, 1, "top_p")
		wr.TopP = &p
		if w != nil {
			warnings = append(warnings, *w)
		}
	}
	maxTokens := c.defaultMax
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 0 {
		wr.MaxTokens = &maxTokens
	}
	if len(req.StopSequences) > 0 {
		wr.Stop = req.StopSequences
	}

	for _, t := range req.Tools {
		if t.Strict {
			warnings = append(warnings, canon.UnsupportedWarning("tool.strict", "strict mode is unsupported by chat/completions"))
		}
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != nil {
		wr.ToolChoice = encodeToolChoice(*req.ToolChoice)
	}

	if opts.ParallelToolCalls != nil {
		wr.ParallelToolCall = opts.ParallelToolCalls
	}
	if opts.ResponseFormat != nil {
		wr.ResponseFormat = opts.ResponseFormat
	}
	if opts.ReasoningEffort != nil {
		warnings = append(warnings, canon.UnsupportedWarning("reasoning_effort", "not supported by chat/completions"))
	}

	bodyJSON, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, canon.NewInvalidResponseError("openai-compatible: marshal body: %v", err)
	}
	body := map[string]any{}
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return nil, nil, canon.NewInvalidResponseError("openai-compatible: remarshal body: %v", err)
	}

	if len(opts.Raw) > 0 {
		mergeWarnings, err := canon.RawMerge(body, opts.Raw, reservedBodyKeys)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, mergeWarnings...)
	}

	return &BuiltRequest{wire: wr, body: body}, warnings, nil
}

func clamp(v, lo, hi float64, name string) (float64, *canon.Warning) {
	if v < lo {
		w := canon.ClampedWarning(name, v, lo)
		return lo, &w
	}
	if v > hi {
		w := canon.ClampedWarning(name, v, hi)
		return hi, &w
	}
	return v, nil
}

func collectToolCallNames(msgs []canon.Message) map[string]string {
	out := map[string]string{}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tc, ok := p.(canon.ToolCallPart); ok {
				out[tc.ID] = tc.Name
			}
		}
	}
	return out
}

func encodeMessages(msgs []canon.Message, toolCallNames map[string]string) ([]wireMessage, []canon.Warning, error) {
	var out []wireMessage
	var warnings []canon.Warning
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, nil, err
		}
		switch m.Role {
		case canon.RoleSystem:
			out = append(out, wireMessage{Role: "system", Content: m.Text()})
		case canon.RoleTool:
			for _, p := range m.Parts {
				tr, ok := p.(canon.ToolResultPart)
				if !ok {
					continue
				}
				if _, known := toolCallNames[tr.ToolCallID]; !known {
					warnings = append(warnings, canon.CompatibilityWarning("tool_result", "tool_call_id has no matching prior ToolCall"))
				}
				out = append(out, wireMessage{Role: "tool", Content: tr.Content, ToolCallID: tr.ToolCallID})
			}
		case canon.RoleAssistant:
			msg, warn := encodeAssistant(m)
			warnings = append(warnings, warn...)
			if msg != nil {
				out = append(out, *msg)
			}
		default: // user
			content, warn := encodeUserContent(m.Parts)
			warnings = append(warnings, warn...)
			out = append(out, wireMessage{Role: "user", Content: content})
		}
	}
	return out, warnings, nil
}

// encodeUserContent collapses to a plain string when only text parts are
// present, otherwise to an array of typed content parts (spec.md §4.2.2).
func encodeUserContent(parts []canon.Part) (any, []canon.Warning) {
	onlyText := true
	for _, p := range parts {
		if _, ok := p.(canon.TextPart); !ok {
			onlyText = false
			break
		}
	}
	if onlyText {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.(canon.TextPart).Text)
		}
		return sb.String(), nil
	}

	var warnings []canon.Warning
	var out []wireContentPart
	for _, p := range parts {
		switch v := p.(type) {
		case canon.TextPart:
			out = append(out, wireContentPart{Type: "text", Text: v.Text})
		case canon.ImagePart:
			url := v.Source.URL
			if !v.Source.IsURLSource() {
				url = fmt.Sprintf("data:%s;base64,%s", v.Source.MediaType, v.Source.Data)
			}
			out = append(out, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
		case canon.FilePart:
			fb := &wireFileBlock{Filename: v.Filename}
			switch {
			case v.Source.IsFileID:
				fb.FileID = v.Source.FileID
			case v.Source.IsBase64:
				fb.FileData = fmt.Sprintf("data:%s;base64,%s", v.MediaType, v.Source.Data)
			case v.Source.IsURL:
				fb.FileData = v.Source.URL
			}
			out = append(out, wireContentPart{Type: "file", File: fb})
		default:
			warnings = append(warnings, canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p)))
		}
	}
	return out, warnings
}

func encodeAssistant(m canon.Message) (*wireMessage, []canon.Warning) {
	var warnings []canon.Warning
	var text strings.Builder
	var calls []wireToolCall
	for _, p := range m.Parts {
		switch v := p.(type) {
		case canon.TextPart:
			text.WriteString(v.Text)
		case canon.ToolCallPart:
			calls = append(calls, wireToolCall{
				ID:   v.ID,
				Type: "function",
				Function: wireToolCallFunc{
					Name:      v.Name,
					Arguments: stringifyArguments(v.Arguments),
				},
			})
		case canon.ReasoningPart:
			warnings = append(warnings, canon.UnsupportedWarning("reasoning", "chat/completions has no input reasoning block"))
		default:
			warnings = append(warnings, canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p)))
		}
	}
	if text.Len() == 0 && len(calls) == 0 {
		return nil, warnings
	}
	msg := &wireMessage{Role: "assistant", ToolCalls: calls}
	if text.Len() > 0 {
		msg.Content = text.String()
	}
	return msg, warnings
}

// stringifyArguments renders tool-call arguments as the string the wire
// protocol expects: JSON values are stringified, strings are preserved
// as-is, and an empty/nil value trims to "{}" (spec.md §4.2.1, shared by
// §4.2.2's tool_calls[].function.arguments).
func stringifyArguments(args any) string {
	if args == nil {
		return "{}"
	}
	if s, ok := args.(string); ok {
		if s == "" {
			return "{}"
		}
		return s
	}
	data, err := json.Marshal(args)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}

func encodeToolChoice(tc canon.ToolChoice) any {
	switch tc.Mode {
	case canon.ToolChoiceAuto:
		return "auto"
	case canon.ToolChoiceNone:
		return "none"
	case canon.ToolChoiceRequired:
		return "required"
	case canon.ToolChoiceTool:
		return map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}}
	}
	return nil
}

// Generate issues a buffered chat/completions request.
func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	br, warnings, err := c.build(req, false)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq, err := c.newRequest(ctx, body)
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
	var wresp WireResponse
	if err := json.Unmarshal(data, &wresp); err != nil {
		return nil, canon.NewInvalidResponseError("openai-compatible: invalid response body: %v", err)
	}
	return TranslateResponse(&wresp, warnings)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

func TranslateResponse(wresp *WireResponse, warnings []canon.Warning) (*canon.GenerateResponse, error) {
	if len(wresp.Choices) == 0 {
		return nil, canon.NewInvalidResponseError("openai-compatible: response has no choices")
	}
	choice := wresp.Choices[0]
	var content []canon.Part
	if choice.Message.Content != "" {
		content = append(content, canon.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, canon.ToolCallPart{ID: tc.ID, Name: tc.Function.Name, Arguments: parseArguments(tc.Function.Arguments)})
	}

	usage := canon.Usage{
		InputTokens:  intPtr(wresp.Usage.PromptTokens),
		OutputTokens: intPtr(wresp.Usage.CompletionTokens),
	}
	if wresp.Usage.TotalTokens != 0 {
		usage.TotalTokens = intPtr(wresp.Usage.TotalTokens)
	}
	if wresp.Usage.PromptTokensDetails.CachedTokens > 0 {
		usage.CacheInputTokens = intPtr(wresp.Usage.PromptTokensDetails.CachedTokens)
	}
	usage.Normalize()

	return &canon.GenerateResponse{
		Content:      content,
		FinishReason: MapFinishReason(choice.FinishReason),
		Usage:        usage,
		Warnings:     warnings,
	}, nil
}

func parseArguments(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func MapFinishReason(reason string) canon.FinishReason {
	switch reason {
	case "stop":
		return canon.FinishStop
	case "length":
		return canon.FinishLength
	case "tool_calls", "function_call":
		return canon.FinishToolCalls
	case "content_filter":
		return canon.FinishContentFilter
	case "error":
		return canon.FinishError
	default:
		return canon.FinishUnknown
	}
}

func intPtr(v int) *int { return &v }
