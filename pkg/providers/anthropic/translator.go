// Package anthropic translates canonical requests/responses to and from
// the Anthropic Messages wire API (spec.md §4.2.3). The wire body is built
// and parsed by hand — no anthropic-sdk-go — because the translation rules
// themselves are the thing under specification; grounded on the adapter
// shape of goadesign-goa-ai's features/model/anthropic/client.go (Options
// struct, narrow HTTPDoer-style seam, Complete/Stream split) with the SDK
// call replaced by a raw HTTP POST.
package anthropic

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

const (
	defaultBaseURL  = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// HTTPDoer is the minimal seam over *http.Client used so tests can supply a
// fake transport instead of a real network client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the default Anthropic API origin, e.g. to point a
	// Client at a test server.
	BaseURL string

	// APIKey is sent as the x-api-key header. Leave empty when the caller
	// authenticates some other way (e.g. Bedrock's SigV4 signing).
	APIKey string

	// DefaultModel is used when a request does not set Model.
	DefaultModel string

	// DefaultMaxTokens is used when a request does not set MaxTokens.
	DefaultMaxTokens int

	HTTP HTTPDoer
}

// Client implements canon.Client against the Anthropic Messages API.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	defaultMax   int
	http         HTTPDoer
}

// New builds an Anthropic-backed canon.Client.
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

func (c *Client) ProviderName() string { return "anthropic" }
func (c *Client) ModelID() string      { return c.defaultModel }

// wire types

type wireRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []wireMessage   `json:"messages"`
	System        string          `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *wireSource `json:"source,omitempty"`
	Title  string      `json:"title,omitempty"`

	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type wireSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type WireResponse struct {
	ID         string      `json:"id"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      WireUsage   `json:"usage"`
}

type WireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

var ReservedBodyKeys = map[string]bool{
	"model": true, "max_tokens": true, "messages": true, "system": true,
	"temperature": true, "top_p": true, "stop_sequences": true,
	"tools": true, "tool_choice": true, "stream": true,
	"anthropic_version": true,
}

// BuiltRequest is the result of translating a canonical request: the typed
// view used by response/header logic, plus the final JSON body (which may
// carry extra raw-merged keys the typed struct cannot represent). Bedrock
// reuses this directly since its wire body is the Anthropic Messages body
// plus one extra field (spec.md §4.2.5).
type BuiltRequest struct {
	wire   *wireRequest
	body   map[string]any
	hasPDF bool
}

// Model returns the resolved model identifier.
func (b *BuiltRequest) Model() string { return b.wire.Model }

// HasPDF reports whether any message content block is a PDF document,
// used to decide whether to request the pdfs beta header.
func (b *BuiltRequest) HasPDF() bool { return b.hasPDF }

// SetField overrides or adds a top-level key in the JSON body that will be
// sent over the wire, for fields the typed wireRequest does not carry (e.g.
// Bedrock's anthropic_version).
func (b *BuiltRequest) SetField(key string, value any) {
	b.body[key] = value
}

func (b *BuiltRequest) MarshalBody() ([]byte, error) {
	return json.Marshal(b.body)
}

// build translates a canonical request into the Anthropic wire body plus
// any warnings produced along the way, using the client's own defaults.
func (c *Client) build(req *canon.GenerateRequest, stream bool) (*BuiltRequest, []canon.Warning, error) {
	return BuildRequest(req, c.defaultModel, c.defaultMax, stream)
}

// BuildRequest translates a canonical request into the Anthropic Messages
// wire body (spec.md §4.2.3). It is exported so other translators sharing
// this wire shape (Bedrock, §4.2.5) can reuse it directly instead of
// reimplementing message/tool encoding.
func BuildRequest(req *canon.GenerateRequest, defaultModel string, defaultMaxTokens int, stream bool) (*BuiltRequest, []canon.Warning, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		return nil, nil, canon.NewInvalidResponseError("anthropic: model is required")
	}

	var warnings []canon.Warning

	opts, err := canon.SelectProviderOptions(req.ProviderOptions, canon.ProviderAnthropic)
	if err != nil {
		return nil, nil, err
	}

	system, systemWarnings, err := encodeSystem(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, systemWarnings...)

	toolCallNames := collectToolCallNames(req.Messages)
	messages, msgWarnings, err := encodeMessages(req.Messages, toolCallNames)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, msgWarnings...)

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	wr := &wireRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  messages,
		System:    system,
		Stream:    stream,
	}

	if req.Temperature != nil {
		t, w := clamp(*req.Temperature, 0, 1, "temperature")
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
	if len(req.StopSequences) > 4 {
		warnings = append(warnings, canon.OtherWarning("stop_sequences truncated to 4 entries"))
		wr.StopSequences = req.StopSequences[:4]
	} else if len(req.StopSequences) > 0 {
		wr.StopSequences = req.StopSequences
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			wr.Tools = append(wr.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
		}
	}
	if req.ToolChoice != nil {
		wr.ToolChoice = encodeToolChoice(*req.ToolChoice)
	}

	if opts.ReasoningEffort != nil {
		warnings = append(warnings, canon.UnsupportedWarning("reasoning_effort", "not supported by Anthropic Messages"))
	}
	if opts.ParallelToolCalls != nil {
		warnings = append(warnings, canon.UnsupportedWarning("parallel_tool_calls", "not supported by Anthropic Messages"))
	}
	if opts.ResponseFormat != nil {
		warnings = append(warnings, canon.UnsupportedWarning("response_format", "not supported by Anthropic Messages"))
	}

	bodyJSON, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, canon.NewInvalidResponseError("anthropic: marshal body: %v", err)
	}
	body := map[string]any{}
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return nil, nil, canon.NewInvalidResponseError("anthropic: remarshal body: %v", err)
	}

	if len(opts.Raw) > 0 {
		mergeWarnings, err := canon.RawMerge(body, opts.Raw, ReservedBodyKeys)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, mergeWarnings...)
	}

	hasPDF := false
	for _, m := range wr.Messages {
		for _, b := range m.Content {
			if b.Type == "document" {
				hasPDF = true
			}
		}
	}

	return &BuiltRequest{wire: wr, body: body, hasPDF: hasPDF}, warnings, nil
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

// encodeSystem collapses System messages appearing before the first
// non-system message into the `system` field; later System messages warn
// and are dropped (spec.md §4.2.3).
func encodeSystem(msgs []canon.Message) (string, []canon.Warning, error) {
	var sb strings.Builder
	var warnings []canon.Warning
	seenNonSystem := false
	for _, m := range msgs {
		if m.Role != canon.RoleSystem {
			seenNonSystem = true
			continue
		}
		if seenNonSystem {
			warnings = append(warnings, canon.UnsupportedWarning("system_message", "system messages after the first non-system message are dropped"))
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Text())
	}
	return sb.String(), warnings, nil
}

func encodeMessages(msgs []canon.Message, toolCallNames map[string]string) ([]wireMessage, []canon.Warning, error) {
	var out []wireMessage
	var warnings []canon.Warning
	for _, m := range msgs {
		if m.Role == canon.RoleSystem {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, nil, err
		}
		role := "user"
		if m.Role == canon.RoleAssistant {
			role = "assistant"
		}
		var blocks []wireBlock
		if m.Role == canon.RoleTool {
			role = "user"
			for _, p := range m.Parts {
				tr, ok := p.(canon.ToolResultPart)
				if !ok {
					continue
				}
				if _, known := toolCallNames[tr.ToolCallID]; !known {
					warnings = append(warnings, canon.CompatibilityWarning("tool_result", "tool_use_id has no matching prior ToolCall"))
				}
				blocks = append(blocks, wireBlock{Type: "tool_result", ToolUseID: tr.ToolCallID, Content: tr.Content, IsError: tr.IsError})
			}
		} else {
			for _, p := range m.Parts {
				b, warn, err := encodePart(p)
				if err != nil {
					return nil, nil, err
				}
				if warn != nil {
					warnings = append(warnings, *warn)
				}
				if b != nil {
					blocks = append(blocks, *b)
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, wireMessage{Role: role, Content: blocks})
	}
	return out, warnings, nil
}

func encodePart(p canon.Part) (*wireBlock, *canon.Warning, error) {
	switch v := p.(type) {
	case canon.TextPart:
		if v.Text == "" {
			return nil, nil, nil
		}
		return &wireBlock{Type: "text", Text: v.Text}, nil, nil
	case canon.ImagePart:
		src := &wireSource{}
		if v.Source.IsURLSource() {
			src.Type = "url"
			src.URL = v.Source.URL
		} else {
			src.Type = "base64"
			src.MediaType = v.Source.MediaType
			src.Data = v.Source.Data
		}
		return &wireBlock{Type: "image", Source: src}, nil, nil
	case canon.FilePart:
		if !strings.EqualFold(v.MediaType, "application/pdf") {
			w := canon.UnsupportedWarning("file", "Anthropic only supports PDF file attachments")
			return nil, &w, nil
		}
		src := &wireSource{}
		switch {
		case v.Source.IsURL:
			src.Type = "url"
			src.URL = v.Source.URL
		case v.Source.IsBase64:
			src.Type = "base64"
			src.MediaType = v.MediaType
			src.Data = v.Source.Data
		default:
			w := canon.UnsupportedWarning("file", "Anthropic document source must be url or base64")
			return nil, &w, nil
		}
		return &wireBlock{Type: "document", Source: src, Title: v.Filename}, nil, nil
	case canon.ToolCallPart:
		return &wireBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Arguments}, nil, nil
	case canon.ReasoningPart:
		w := canon.UnsupportedWarning("reasoning", "Anthropic input reasoning blocks are dropped")
		return nil, &w, nil
	default:
		w := canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p))
		return nil, &w, nil
	}
}

func encodeToolChoice(tc canon.ToolChoice) *wireToolChoice {
	switch tc.Mode {
	case canon.ToolChoiceAuto:
		return &wireToolChoice{Type: "auto"}
	case canon.ToolChoiceNone:
		return &wireToolChoice{Type: "none"}
	case canon.ToolChoiceRequired:
		return &wireToolChoice{Type: "any"}
	case canon.ToolChoiceTool:
		return &wireToolChoice{Type: "tool", Name: tc.Name}
	}
	return nil
}

var betaSonnet1M = "context-1m-2025-08-07"
var betaPDFs = "pdfs-2024-09-25"

func betaHeader(br *BuiltRequest) string {
	var betas []string
	if br.hasPDF {
		betas = append(betas, betaPDFs)
	}
	if strings.Contains(strings.ToLower(br.wire.Model), "sonnet") {
		betas = append(betas, betaSonnet1M)
	}
	return strings.Join(betas, ",")
}

// Generate issues a buffered Messages request.
func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	br, warnings, err := c.build(req, false)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq, err := c.newRequest(ctx, body, br)
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
		return nil, canon.NewInvalidResponseError("anthropic: invalid response body: %v", err)
	}
	return TranslateResponse(&wresp, warnings)
}

func (c *Client) newRequest(ctx context.Context, body []byte, br *BuiltRequest) (*http.Request, error) {
	url := c.baseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}
	if beta := betaHeader(br); beta != "" {
		httpReq.Header.Set("anthropic-beta", beta)
	}
	return httpReq, nil
}

func TranslateResponse(wresp *WireResponse, warnings []canon.Warning) (*canon.GenerateResponse, error) {
	var content []canon.Part
	for _, b := range wresp.Content {
		switch b.Type {
		case "text":
			content = append(content, canon.TextPart{Text: b.Text})
		case "tool_use":
			content = append(content, canon.ToolCallPart{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	usage := canon.Usage{
		InputTokens:  intPtr(wresp.Usage.InputTokens),
		OutputTokens: intPtr(wresp.Usage.OutputTokens),
	}
	if wresp.Usage.CacheReadInputTokens > 0 {
		usage.CacheInputTokens = intPtr(wresp.Usage.CacheReadInputTokens)
	}
	if wresp.Usage.CacheCreationInputTokens > 0 {
		usage.CacheCreationInputTokens = intPtr(wresp.Usage.CacheCreationInputTokens)
	}
	usage.Normalize()

	return &canon.GenerateResponse{
		Content:      content,
		FinishReason: MapFinishReason(wresp.StopReason),
		Usage:        usage,
		Warnings:     warnings,
	}, nil
}

func MapFinishReason(stopReason string) canon.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return canon.FinishStop
	case "max_tokens":
		return canon.FinishLength
	case "tool_use":
		return canon.FinishToolCalls
	case "content_filtered":
		return canon.FinishContentFilter
	default:
		return canon.FinishUnknown
	}
}

func intPtr(v int) *int { return &v }
