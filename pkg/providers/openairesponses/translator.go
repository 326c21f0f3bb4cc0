// Package openairesponses translates canonical requests/responses to and
// from the OpenAI Responses wire API (spec.md §4.2.1). Grounded on
// pkg/providers/anthropic's hand-rolled-wire-body approach (no teacher
// analog exists for this API in goadesign-goa-ai, which only ships an
// OpenAI chat/completions adapter — see pkg/providers/openaicompat) and on
// pkg/providers/openaicompat's Options/Client/New shape for consistency
// across the OpenAI family.
package openairesponses

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
	BaseURL string
	APIKey  string

	DefaultModel     string
	DefaultMaxTokens int

	HTTP HTTPDoer
}

// Client implements canon.Client against the OpenAI Responses API.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	defaultMax   int
	http         HTTPDoer
}

// New builds an OpenAI Responses-backed canon.Client.
func New(opts Options) (*Client, error) {
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(base, "/"),
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		defaultMax:   opts.DefaultMaxTokens,
		http:         opts.HTTP,
	}, nil
}

func (c *Client) ProviderName() string { return "openai" }
func (c *Client) ModelID() string      { return c.defaultModel }

// wire request types

type wireRequest struct {
	Model             string          `json:"model"`
	Input             []wireInputItem `json:"input"`
	Instructions      string          `json:"instructions,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	MaxOutputTokens   *int            `json:"max_output_tokens,omitempty"`
	TopP              *float64        `json:"top_p,omitempty"`
	Tools             []wireTool      `json:"tools,omitempty"`
	ToolChoice        any             `json:"tool_choice,omitempty"`
	Reasoning         *wireReasoning  `json:"reasoning,omitempty"`
	ResponseFormat    any             `json:"response_format,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	Store             bool            `json:"store"`
	Stream            bool            `json:"stream,omitempty"`
}

type wireReasoning struct {
	Effort string `json:"effort"`
}

type wireInputItem struct {
	Type string `json:"type"`

	// type == "message"
	Role    string            `json:"role,omitempty"`
	Content []wireContentItem `json:"content,omitempty"`

	// type == "function_call" / "function_call_output"
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type wireContentItem struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`

	FileURL  string `json:"file_url,omitempty"`
	FileData string `json:"file_data,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

type wireTool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
	Strict      bool   `json:"strict,omitempty"`
}

// wire response types

type WireResponse struct {
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	IncompleteDetails *wireIncompleteInfo `json:"incomplete_details,omitempty"`
	Output            []wireOutputItem    `json:"output"`
	Usage             WireUsage           `json:"usage"`
}

type wireIncompleteInfo struct {
	Reason string `json:"reason"`
}

type wireOutputItem struct {
	Type string `json:"type"`

	Role    string              `json:"role,omitempty"`
	Content []wireOutputContent `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type WireUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

var reservedBodyKeys = map[string]bool{
	"model": true, "input": true, "instructions": true, "temperature": true,
	"max_output_tokens": true, "top_p": true, "tools": true, "tool_choice": true,
	"reasoning": true, "response_format": true, "parallel_tool_calls": true,
	"store": true, "stream": true,
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
		return nil, nil, canon.NewInvalidResponseError("openai: model is required")
	}

	var warnings []canon.Warning

	opts, err := canon.SelectProviderOptions(req.ProviderOptions, canon.ProviderOpenAI)
	if err != nil {
		return nil, nil, err
	}

	toolCallNames := collectToolCallNames(req.Messages)
	instructions, items, msgWarnings, err := encodeInput(req.Messages, toolCallNames)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, msgWarnings...)

	wr := &wireRequest{
		Model:        model,
		Input:        items,
		Instructions: instructions,
		Store:        false,
		Stream:       stream,
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
		wr.MaxOutputTokens = &maxTokens
	}
	if len(req.StopSequences) > 0 {
		warnings = append(warnings, canon.UnsupportedWarning("stop_sequences", "not supported by the Responses API"))
	}

	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Strict:      t.Strict,
		})
	}
	if req.ToolChoice != nil {
		wr.ToolChoice = encodeToolChoice(*req.ToolChoice)
	}

	if opts.ReasoningEffort != nil {
		wr.Reasoning = &wireReasoning{Effort: string(*opts.ReasoningEffort)}
	}
	if opts.ResponseFormat != nil {
		wr.ResponseFormat = opts.ResponseFormat
	}
	if opts.ParallelToolCalls != nil {
		wr.ParallelToolCalls = opts.ParallelToolCalls
	}

	bodyJSON, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, canon.NewInvalidResponseError("openai: marshal body: %v", err)
	}
	body := map[string]any{}
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return nil, nil, canon.NewInvalidResponseError("openai: remarshal body: %v", err)
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

// encodeInput walks the canonical messages, collapsing System text into
// instructions and emitting one or more input items per remaining message
// (spec.md §4.2.1).
func encodeInput(msgs []canon.Message, toolCallNames map[string]string) (string, []wireInputItem, []canon.Warning, error) {
	var instructions strings.Builder
	var items []wireInputItem
	var warnings []canon.Warning

	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return "", nil, nil, err
		}
		switch m.Role {
		case canon.RoleSystem:
			if instructions.Len() > 0 {
				instructions.WriteString("\n")
			}
			instructions.WriteString(m.Text())

		case canon.RoleUser:
			var content []wireContentItem
			for _, p := range m.Parts {
				c, warn := encodeUserPart(p)
				if warn != nil {
					warnings = append(warnings, *warn)
				}
				if c != nil {
					content = append(content, *c)
				}
			}
			if len(content) > 0 {
				items = append(items, wireInputItem{Type: "message", Role: "user", Content: content})
			}

		case canon.RoleAssistant:
			var content []wireContentItem
			for _, p := range m.Parts {
				switch v := p.(type) {
				case canon.TextPart:
					content = append(content, wireContentItem{Type: "output_text", Text: v.Text})
				case canon.ToolCallPart:
					items = append(items, wireInputItem{
						Type:      "function_call",
						CallID:    v.ID,
						Name:      v.Name,
						Arguments: stringifyArguments(v.Arguments),
					})
				case canon.ReasoningPart:
					warnings = append(warnings, canon.UnsupportedWarning("reasoning", "Responses input reasoning items are dropped"))
				default:
					warnings = append(warnings, canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p)))
				}
			}
			if len(content) > 0 {
				items = append(items, wireInputItem{Type: "message", Role: "assistant", Content: content})
			}

		case canon.RoleTool:
			for _, p := range m.Parts {
				tr, ok := p.(canon.ToolResultPart)
				if !ok {
					continue
				}
				if _, known := toolCallNames[tr.ToolCallID]; !known {
					warnings = append(warnings, canon.CompatibilityWarning("tool_result", "call_id has no matching prior ToolCall"))
				}
				items = append(items, wireInputItem{Type: "function_call_output", CallID: tr.ToolCallID, Output: tr.Content})
			}
		}
	}

	return instructions.String(), items, warnings, nil
}

func encodeUserPart(p canon.Part) (*wireContentItem, *canon.Warning) {
	switch v := p.(type) {
	case canon.TextPart:
		if v.Text == "" {
			return nil, nil
		}
		return &wireContentItem{Type: "input_text", Text: v.Text}, nil
	case canon.ImagePart:
		url := v.Source.URL
		if !v.Source.IsURLSource() {
			url = fmt.Sprintf("data:%s;base64,%s", v.Source.MediaType, v.Source.Data)
		}
		return &wireContentItem{Type: "input_image", ImageURL: url}, nil
	case canon.FilePart:
		ci := &wireContentItem{Type: "input_file"}
		switch {
		case v.Source.IsURL:
			ci.FileURL = v.Source.URL
		case v.Source.IsBase64:
			ci.FileData = fmt.Sprintf("data:%s;base64,%s", v.MediaType, v.Source.Data)
		case v.Source.IsFileID:
			ci.FileID = v.Source.FileID
		default:
			w := canon.UnsupportedWarning("file", "Responses input_file requires a url, base64, or file_id source")
			return nil, &w
		}
		return ci, nil
	default:
		w := canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p))
		return nil, &w
	}
}

// stringifyArguments renders tool-call arguments as the string the wire
// protocol expects (spec.md §4.2.1).
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
		return map[string]string{"type": "function", "name": tc.Name}
	}
	return nil
}

// Generate issues a buffered Responses request.
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
		return nil, canon.NewInvalidResponseError("openai: invalid response body: %v", err)
	}
	return TranslateResponse(&wresp, warnings)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := c.baseURL + "/responses"
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
	var content []canon.Part
	hasToolCalls := false
	for _, item := range wresp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					content = append(content, canon.TextPart{Text: c.Text})
				}
			}
		case "function_call":
			hasToolCalls = true
			content = append(content, canon.ToolCallPart{ID: item.CallID, Name: item.Name, Arguments: parseArguments(item.Arguments)})
		}
	}

	usage := canon.Usage{
		InputTokens:  intPtr(wresp.Usage.InputTokens),
		OutputTokens: intPtr(wresp.Usage.OutputTokens),
	}
	if wresp.Usage.TotalTokens != 0 {
		usage.TotalTokens = intPtr(wresp.Usage.TotalTokens)
	}
	if wresp.Usage.InputTokensDetails.CachedTokens > 0 {
		usage.CacheInputTokens = intPtr(wresp.Usage.InputTokensDetails.CachedTokens)
	}
	usage.Normalize()

	incompleteReason := ""
	if wresp.IncompleteDetails != nil {
		incompleteReason = wresp.IncompleteDetails.Reason
	}

	return &canon.GenerateResponse{
		Content:      content,
		FinishReason: MapFinishReason(wresp.Status, incompleteReason, hasToolCalls),
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

// MapFinishReason derives the canonical finish reason from the Responses
// API's status / incomplete_details.reason (spec.md §4.2.1).
func MapFinishReason(status, incompleteReason string, hasToolCalls bool) canon.FinishReason {
	switch status {
	case "completed":
		if hasToolCalls {
			return canon.FinishToolCalls
		}
		return canon.FinishStop
	case "incomplete":
		switch incompleteReason {
		case "max_output_tokens":
			return canon.FinishLength
		case "content_filter":
			return canon.FinishContentFilter
		default:
			return canon.FinishUnknown
		}
	case "failed":
		return canon.FinishError
	default:
		return canon.FinishUnknown
	}
}

func intPtr(v int) *int { return &v }
