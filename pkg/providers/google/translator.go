// Package google translates canonical requests/responses to and from the
// Google generateContent wire API (spec.md §4.2.4). No teacher analog exists
// in goadesign-goa-ai (it ships no Gemini client); the Options/Client/New
// shape and hand-rolled-wire-body approach follow pkg/providers/anthropic
// and pkg/providers/openaicompat for consistency across translators. Tool
// parameter schemas are validated with
// github.com/santhosh-tekuri/jsonschema/v6 using the same
// compile-then-check pattern as goadesign-goa-ai's
// registry/service.go:validatePayloadJSONAgainstSchema, before being
// converted to the OpenAPI subset Gemini's functionDeclarations expect; the
// conversion walk itself operates on decoded JSON maps rather than v6's
// validation-oriented Schema type, since $ref resolution here targets a
// different representation (OpenAPI, not JSON Schema) than the library compiles.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/omne42/ditto-llm/pkg/canon"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

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

// Client implements canon.Client against the Google generateContent API.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	defaultMax   int
	http         HTTPDoer
}

// New builds a Google-backed canon.Client.
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

func (c *Client) ProviderName() string { return "google" }
func (c *Client) ModelID() string      { return c.defaultModel }

// wire request types

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	Tools             []wireToolDecl        `json:"tools,omitempty"`
	ToolConfig        *wireToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`

	InlineData *wireBlob     `json:"inlineData,omitempty"`
	FileData   *wireFileData `json:"fileData,omitempty"`

	FunctionCall     *wireFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResponse `json:"functionResponse,omitempty"`
}

type wireBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type wireFunctionCall struct {
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

type wireFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type wireToolDecl struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type wireToolConfig struct {
	FunctionCallingConfig wireFunctionCallingConfig `json:"functionCallingConfig"`
}

type wireFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type wireGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   any      `json:"responseSchema,omitempty"`
}

// wire response types

type WireResponse struct {
	Candidates    []wireCandidate   `json:"candidates"`
	UsageMetadata wireUsageMetadata `json:"usageMetadata"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

type wireUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

var reservedBodyKeys = map[string]bool{
	"contents": true, "systemInstruction": true, "tools": true,
	"toolConfig": true, "generationConfig": true,
}

// BuiltRequest is the result of translating a canonical request.
type BuiltRequest struct {
	wire  *wireRequest
	body  map[string]any
	model string
}

func (b *BuiltRequest) Model() string { return b.model }

func (b *BuiltRequest) MarshalBody() ([]byte, error) {
	return json.Marshal(b.body)
}

func (c *Client) build(req *canon.GenerateRequest) (*BuiltRequest, []canon.Warning, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, nil, canon.NewInvalidResponseError("google: model is required")
	}

	var warnings []canon.Warning

	opts, err := canon.SelectProviderOptions(req.ProviderOptions, canon.ProviderGoogle)
	if err != nil {
		return nil, nil, err
	}

	isGemma := strings.Contains(strings.ToLower(model), "gemma")

	toolCallNames := collectToolCallNames(req.Messages)
	contents, sysText, sysWarnings, err := encodeContents(req.Messages, toolCallNames)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, sysWarnings...)

	wr := &wireRequest{Contents: contents}

	if sysText != "" {
		if isGemma {
			if len(wr.Contents) > 0 && wr.Contents[0].Role == "user" {
				wr.Contents[0].Parts = append([]wirePart{{Text: sysText}}, wr.Contents[0].Parts...)
			} else {
				wr.Contents = append([]wireContent{{Role: "user", Parts: []wirePart{{Text: sysText}}}}, wr.Contents...)
			}
		} else {
			wr.SystemInstruction = &wireContent{Parts: []wirePart{{Text: sysText}}}
		}
	}

	gc := &wireGenerationConfig{}
	hasGC := false
	if req.Temperature != nil {
		t := *req.Temperature
		if t < 0 || t > 2 {
			clamped := 0.0
			if t > 2 {
				clamped = 2
			}
			warnings = append(warnings, canon.ClampedWarning("temperature", t, clamped))
			t = clamped
		}
		gc.Temperature = &t
		hasGC = true
	}
	if req.TopP != nil {
		gc.TopP = req.TopP
		hasGC = true
	}
	maxTokens := c.defaultMax
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 0 {
		gc.MaxOutputTokens = &maxTokens
		hasGC = true
	}
	if len(req.StopSequences) > 0 {
		gc.StopSequences = req.StopSequences
		hasGC = true
	}
	if opts.ResponseFormat != nil && opts.ResponseFormat.Type == "json_schema" {
		gc.ResponseMimeType = "application/json"
		if opts.ResponseFormat.JSONSchema != nil {
			gc.ResponseSchema = opts.ResponseFormat.JSONSchema.Schema
		}
		hasGC = true
	}
	if hasGC {
		wr.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		var decls []wireFunctionDecl
		for _, t := range req.Tools {
			params, schemaWarnings := convertToolSchema(t.Name, t.Parameters)
			warnings = append(warnings, schemaWarnings...)
			decls = append(decls, wireFunctionDecl{Name: t.Name, Description: t.Description, Parameters: params})
		}
		wr.Tools = []wireToolDecl{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		wr.ToolConfig = encodeToolConfig(*req.ToolChoice)
	}

	if opts.ReasoningEffort != nil {
		warnings = append(warnings, canon.UnsupportedWarning("reasoning_effort", "not supported by Google generateContent"))
	}
	if opts.ParallelToolCalls != nil {
		warnings = append(warnings, canon.UnsupportedWarning("parallel_tool_calls", "not supported by Google generateContent"))
	}

	bodyJSON, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, canon.NewInvalidResponseError("google: marshal body: %v", err)
	}
	body := map[string]any{}
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return nil, nil, canon.NewInvalidResponseError("google: remarshal body: %v", err)
	}

	if len(opts.Raw) > 0 {
		mergeWarnings, err := canon.RawMerge(body, opts.Raw, reservedBodyKeys)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, mergeWarnings...)
	}

	return &BuiltRequest{wire: wr, body: body, model: model}, warnings, nil
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

// encodeContents walks the canonical messages, collapsing leading System
// text and emitting the user/model content list (spec.md §4.2.4). It fails
// if a System message appears after any non-system message.
func encodeContents(msgs []canon.Message, toolCallNames map[string]string) ([]wireContent, string, []canon.Warning, error) {
	var contents []wireContent
	var warnings []canon.Warning
	var sb strings.Builder
	seenNonSystem := false

	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, "", nil, err
		}
		if m.Role == canon.RoleSystem {
			if seenNonSystem {
				return nil, "", nil, canon.NewInvalidResponseError("google: system messages must precede all other messages")
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(m.Text())
			continue
		}
		seenNonSystem = true

		switch m.Role {
		case canon.RoleUser:
			var parts []wirePart
			for _, p := range m.Parts {
				part, warn := encodeUserPart(p)
				if warn != nil {
					warnings = append(warnings, *warn)
				}
				if part != nil {
					parts = append(parts, *part)
				}
			}
			if len(parts) > 0 {
				contents = append(contents, wireContent{Role: "user", Parts: parts})
			}

		case canon.RoleAssistant:
			var parts []wirePart
			for _, p := range m.Parts {
				switch v := p.(type) {
				case canon.TextPart:
					parts = append(parts, wirePart{Text: v.Text})
				case canon.ReasoningPart:
					parts = append(parts, wirePart{Text: v.Text, Thought: true})
				case canon.ToolCallPart:
					parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{Name: v.Name, Args: v.Arguments}})
				default:
					warnings = append(warnings, canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p)))
				}
			}
			if len(parts) > 0 {
				contents = append(contents, wireContent{Role: "model", Parts: parts})
			}

		case canon.RoleTool:
			var parts []wirePart
			for _, p := range m.Parts {
				tr, ok := p.(canon.ToolResultPart)
				if !ok {
					continue
				}
				name, known := toolCallNames[tr.ToolCallID]
				if !known {
					warnings = append(warnings, canon.CompatibilityWarning("tool_result", "tool_call_id has no matching prior ToolCall"))
					name = tr.ToolCallID
				}
				parts = append(parts, wirePart{FunctionResponse: &wireFunctionResponse{
					Name:     name,
					Response: map[string]any{"name": name, "content": tr.Content},
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, wireContent{Role: "user", Parts: parts})
			}
		}
	}

	return contents, sb.String(), warnings, nil
}

func encodeUserPart(p canon.Part) (*wirePart, *canon.Warning) {
	switch v := p.(type) {
	case canon.TextPart:
		if v.Text == "" {
			return nil, nil
		}
		return &wirePart{Text: v.Text}, nil
	case canon.ImagePart:
		if v.Source.IsURLSource() {
			return &wirePart{FileData: &wireFileData{FileURI: v.Source.URL}}, nil
		}
		return &wirePart{InlineData: &wireBlob{MimeType: v.Source.MediaType, Data: v.Source.Data}}, nil
	case canon.FilePart:
		switch {
		case v.Source.IsURL:
			return &wirePart{FileData: &wireFileData{MimeType: v.MediaType, FileURI: v.Source.URL}}, nil
		case v.Source.IsBase64:
			return &wirePart{InlineData: &wireBlob{MimeType: v.MediaType, Data: v.Source.Data}}, nil
		default:
			w := canon.UnsupportedWarning("file", "Google generateContent has no file-id reference form")
			return nil, &w
		}
	default:
		w := canon.UnsupportedWarning("part", fmt.Sprintf("unrecognized part type %T", p))
		return nil, &w
	}
}

func encodeToolConfig(tc canon.ToolChoice) *wireToolConfig {
	switch tc.Mode {
	case canon.ToolChoiceAuto:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "AUTO"}}
	case canon.ToolChoiceNone:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "NONE"}}
	case canon.ToolChoiceRequired:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "ANY"}}
	case canon.ToolChoiceTool:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{tc.Name}}}
	}
	return nil
}

// convertToolSchema validates a tool's JSON-Schema parameters with
// jsonschema/v6 (compile-only, mirroring goa-ai's
// validatePayloadJSONAgainstSchema gate) and converts it to the OpenAPI
// subset Gemini's functionDeclarations.parameters expects (spec.md §4.2.4).
func convertToolSchema(toolName string, schema any) (any, []canon.Warning) {
	var warnings []canon.Warning
	if schema == nil {
		return nil, warnings
	}
	schemaMap, ok := toMapSchema(schema)
	if !ok {
		return schema, warnings
	}

	if data, err := json.Marshal(schemaMap); err == nil {
		var doc any
		if err := json.Unmarshal(data, &doc); err == nil {
			c := jsonschema.NewCompiler()
			resource := fmt.Sprintf("tool-%s.json", toolName)
			if err := c.AddResource(resource, doc); err == nil {
				if _, err := c.Compile(resource); err != nil {
					warnings = append(warnings, canon.OtherWarning(fmt.Sprintf("tool %q parameters do not compile as valid JSON Schema: %v", toolName, err)))
				}
			}
		}
	}

	defs := collectDefs(schemaMap)
	converted := convertSchemaNode(defs, schemaMap, &warnings, "")
	return converted, warnings
}

func toMapSchema(schema any) (map[string]any, bool) {
	switch v := schema.(type) {
	case map[string]any:
		return v, true
	default:
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, false
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, false
		}
		return m, true
	}
}

func collectDefs(root map[string]any) map[string]any {
	defs := map[string]any{}
	for _, key := range []string{"$defs", "definitions"} {
		if d, ok := root[key].(map[string]any); ok {
			for k, v := range d {
				defs[k] = v
			}
		}
	}
	return defs
}

// convertSchemaNode recursively rewrites a JSON-Schema node into the
// OpenAPI-subset Gemini expects: $refs are resolved inline, and keywords
// with no OpenAPI analogue ("not", "oneOf") are dropped with a warning
// (spec.md §4.2.4).
func convertSchemaNode(defs map[string]any, node map[string]any, warnings *[]canon.Warning, path string) map[string]any {
	if ref, ok := node["$ref"].(string); ok {
		resolved, ok := resolveRef(defs, ref)
		if !ok {
			*warnings = append(*warnings, canon.CompatibilityWarning("tool.parameters"+path, fmt.Sprintf("unresolved $ref %q", ref)))
			return map[string]any{}
		}
		return convertSchemaNode(defs, resolved, warnings, path)
	}

	out := map[string]any{}
	for k, v := range node {
		switch k {
		case "$schema", "$id", "$defs", "definitions":
			continue
		case "not", "oneOf":
			*warnings = append(*warnings, canon.CompatibilityWarning("tool.parameters"+path, fmt.Sprintf("keyword %q has no OpenAPI analogue and was dropped", k)))
			continue
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				continue
			}
			newProps := map[string]any{}
			for pk, pv := range props {
				if pvObj, ok := pv.(map[string]any); ok {
					newProps[pk] = convertSchemaNode(defs, pvObj, warnings, path+"."+pk)
				} else {
					newProps[pk] = pv
				}
			}
			out["properties"] = newProps
		case "items":
			if itemsObj, ok := v.(map[string]any); ok {
				out["items"] = convertSchemaNode(defs, itemsObj, warnings, path+"[]")
			} else {
				out["items"] = v
			}
		case "additionalProperties":
			if apObj, ok := v.(map[string]any); ok {
				out["additionalProperties"] = convertSchemaNode(defs, apObj, warnings, path+".*")
			} else {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

func resolveRef(defs map[string]any, ref string) (map[string]any, bool) {
	for _, prefix := range []string{"#/$defs/", "#/definitions/"} {
		if strings.HasPrefix(ref, prefix) {
			name := strings.TrimPrefix(ref, prefix)
			if def, ok := defs[name].(map[string]any); ok {
				return def, true
			}
			return nil, false
		}
	}
	return nil, false
}

// Generate issues a buffered generateContent request.
func (c *Client) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	br, warnings, err := c.build(req)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq, err := c.newRequest(ctx, br.Model(), "generateContent", body)
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
		return nil, canon.NewInvalidResponseError("google: invalid response body: %v", err)
	}
	return TranslateResponse(&wresp, warnings)
}

func (c *Client) newRequest(ctx context.Context, model, method string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", c.apiKey)
	}
	return httpReq, nil
}

func TranslateResponse(wresp *WireResponse, warnings []canon.Warning) (*canon.GenerateResponse, error) {
	if len(wresp.Candidates) == 0 {
		return nil, canon.NewInvalidResponseError("google: response has no candidates")
	}
	cand := wresp.Candidates[0]

	var content []canon.Part
	hasToolCalls := false
	seq := 0
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			seq++
			hasToolCalls = true
			content = append(content, canon.ToolCallPart{
				ID:        fmt.Sprintf("call_%d", seq),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		case part.Thought:
			content = append(content, canon.ReasoningPart{Text: part.Text})
		case part.Text != "":
			content = append(content, canon.TextPart{Text: part.Text})
		}
	}

	usage := canon.Usage{
		InputTokens:  intPtr(wresp.UsageMetadata.PromptTokenCount),
		OutputTokens: intPtr(wresp.UsageMetadata.CandidatesTokenCount),
	}
	if wresp.UsageMetadata.TotalTokenCount != 0 {
		usage.TotalTokens = intPtr(wresp.UsageMetadata.TotalTokenCount)
	}
	if wresp.UsageMetadata.CachedContentTokenCount > 0 {
		usage.CacheInputTokens = intPtr(wresp.UsageMetadata.CachedContentTokenCount)
	}
	usage.Normalize()

	return &canon.GenerateResponse{
		Content:      content,
		FinishReason: MapFinishReason(cand.FinishReason, hasToolCalls),
		Usage:        usage,
		Warnings:     warnings,
	}, nil
}

func MapFinishReason(reason string, hasToolCalls bool) canon.FinishReason {
	switch reason {
	case "STOP":
		if hasToolCalls {
			return canon.FinishToolCalls
		}
		return canon.FinishStop
	case "MAX_TOKENS":
		return canon.FinishLength
	case "SAFETY", "RECITATION", "IMAGE_SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return canon.FinishContentFilter
	case "MALFORMED_FUNCTION_CALL":
		return canon.FinishError
	default:
		return canon.FinishUnknown
	}
}

func intPtr(v int) *int { return &v }
