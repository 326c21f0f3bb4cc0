// Package gateway implements the OpenAI-compatible HTTP surface described
// in spec.md §4.7: bidirectional JSON mapping between chat/completions and
// /v1/responses request/response shapes and the canonical model, plus SSE
// synthesis for both wire formats. The server shape (provider + middleware
// chain) is grounded on features/model/gateway/server.go; the field-level
// JSON mapping is grounded on original_source/src/gateway/translation.rs,
// since goa-ai's own gateway package is a generic Goa-service façade rather
// than an OpenAI-wire-compatible HTTP surface.
package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/omne42/ditto-llm/pkg/canon"
)

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func newBadRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// ParseChatCompletionsRequest parses a POST /v1/chat/completions body into
// a canonical GenerateRequest.
func ParseChatCompletionsRequest(body []byte) (*canon.GenerateRequest, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, newBadRequest("chat/completions request must be a JSON object: %v", err)
	}
	return chatCompletionsObjectToGenerateRequest(obj)
}

// ParseResponsesRequest parses a POST /v1/responses body into a canonical
// GenerateRequest by re-expressing it as a chat/completions object (input
// items become messages, max_output_tokens becomes max_tokens) and
// re-using the chat/completions mapping (spec.md §4.7).
func ParseResponsesRequest(body []byte) (*canon.GenerateRequest, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, newBadRequest("responses request must be a JSON object: %v", err)
	}
	chatObj, err := responsesObjectToChatCompletionsObject(obj)
	if err != nil {
		return nil, err
	}
	return chatCompletionsObjectToGenerateRequest(chatObj)
}

func chatCompletionsObjectToGenerateRequest(obj map[string]any) (*canon.GenerateRequest, error) {
	model, _ := obj["model"].(string)
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, newBadRequest("chat/completions request missing model")
	}

	rawMessages, ok := obj["messages"].([]any)
	if !ok {
		return nil, newBadRequest("chat/completions request missing messages")
	}

	messages := make([]canon.Message, 0, len(rawMessages))
	for _, rm := range rawMessages {
		m, ok := rm.(map[string]any)
		if !ok {
			return nil, newBadRequest("chat message must be an object")
		}
		msg, err := parseChatMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	req := &canon.GenerateRequest{Messages: messages, Model: model}

	if v, ok := asFloat(obj["temperature"]); ok {
		req.Temperature = &v
	}
	if v, ok := asFloat(obj["top_p"]); ok {
		req.TopP = &v
	}
	if v, ok := asFloat(obj["max_tokens"]); ok {
		n := int(v)
		req.MaxTokens = &n
	}
	if stop, ok := obj["stop"]; ok {
		req.StopSequences = parseStopSequences(stop)
	}
	if toolsRaw, ok := obj["tools"]; ok {
		tools, err := parseTools(toolsRaw)
		if err != nil {
			return nil, err
		}
		req.Tools = tools
	}
	if tc, ok := obj["tool_choice"]; ok {
		choice, err := parseToolChoice(tc)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	if opts := parseProviderOptionsFromRequest(obj); opts != nil {
		raw, err := json.Marshal(opts)
		if err != nil {
			return nil, newBadRequest("failed to encode provider_options: %v", err)
		}
		req.ProviderOptions = raw
	}

	return req, nil
}

func responsesObjectToChatCompletionsObject(obj map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for _, k := range []string{
		"model", "temperature", "top_p", "tools", "tool_choice", "stop",
		"reasoning", "parallel_tool_calls", "response_format",
	} {
		if v, ok := obj[k]; ok {
			out[k] = v
		}
	}
	if v, ok := obj["max_output_tokens"]; ok {
		out["max_tokens"] = v
	}

	input, ok := obj["input"]
	if !ok {
		return nil, newBadRequest("responses request missing input")
	}
	messages, err := responsesInputToMessages(input)
	if err != nil {
		return nil, err
	}
	out["messages"] = messages
	return out, nil
}

func responsesInputToMessages(input any) ([]any, error) {
	switch v := input.(type) {
	case string:
		return []any{map[string]any{"role": "user", "content": v}}, nil
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, newBadRequest("responses input item must be an object")
			}
			msg, ok := responsesItemToChatMessage(obj)
			if ok {
				out = append(out, msg)
			}
		}
		return out, nil
	default:
		return nil, newBadRequest("responses input must be a string or array")
	}
}

func responsesItemToChatMessage(obj map[string]any) (map[string]any, bool) {
	if _, hasRole := obj["role"]; hasRole {
		return obj, true
	}

	switch ty, _ := obj["type"].(string); ty {
	case "function_call":
		name, _ := obj["name"].(string)
		arguments, _ := obj["arguments"].(string)
		callID, _ := obj["call_id"].(string)
		return map[string]any{
			"role": "assistant",
			"tool_calls": []any{map[string]any{
				"id":   callID,
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": arguments,
				},
			}},
		}, true
	case "function_call_output":
		callID, _ := obj["call_id"].(string)
		output, _ := obj["output"].(string)
		return map[string]any{
			"role":         "tool",
			"tool_call_id": callID,
			"content":      output,
		}, true
	default:
		return nil, false
	}
}

func parseChatMessage(obj map[string]any) (canon.Message, error) {
	roleStr, _ := obj["role"].(string)
	roleStr = strings.TrimSpace(roleStr)
	if roleStr == "" {
		return canon.Message{}, newBadRequest("chat message missing role")
	}

	var role canon.Role
	switch roleStr {
	case "system":
		role = canon.RoleSystem
	case "user":
		role = canon.RoleUser
	case "assistant":
		role = canon.RoleAssistant
	case "tool":
		role = canon.RoleTool
	default:
		return canon.Message{}, newBadRequest("unsupported role: %s", roleStr)
	}

	if role == canon.RoleTool {
		callID, _ := obj["tool_call_id"].(string)
		callID = strings.TrimSpace(callID)
		if callID == "" {
			return canon.Message{}, newBadRequest("tool message missing tool_call_id")
		}
		content, _ := obj["content"].(string)
		return canon.Message{
			Role:  canon.RoleTool,
			Parts: []canon.Part{canon.ToolResultPart{ToolCallID: callID, Content: content}},
		}, nil
	}

	var parts []canon.Part
	if content, ok := obj["content"]; ok {
		parts = append(parts, parseContentParts(content)...)
	}

	if role == canon.RoleAssistant {
		if toolCalls, ok := obj["tool_calls"].([]any); ok {
			for _, tc := range toolCalls {
				if call, ok := tc.(map[string]any); ok {
					if part, ok := parseToolCallPart(call); ok {
						parts = append(parts, part)
					}
				}
			}
		} else if fc, ok := obj["function_call"].(map[string]any); ok {
			if part, ok := parseFunctionCallPart(fc); ok {
				parts = append(parts, part)
			}
		}
	}

	return canon.Message{Role: role, Parts: parts}, nil
}

func parseContentParts(value any) []canon.Part {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []canon.Part{canon.TextPart{Text: v}}
	case []any:
		var out []canon.Part
		for _, item := range v {
			switch it := item.(type) {
			case string:
				if it != "" {
					out = append(out, canon.TextPart{Text: it})
				}
			case map[string]any:
				if text, ok := it["text"].(string); ok && text != "" {
					out = append(out, canon.TextPart{Text: text})
					continue
				}
				switch ty, _ := it["type"].(string); ty {
				case "text", "input_text", "output_text":
					if text, ok := it["text"].(string); ok && text != "" {
						out = append(out, canon.TextPart{Text: text})
					}
				case "image_url":
					if imgObj, ok := it["image_url"].(map[string]any); ok {
						if url, ok := imgObj["url"].(string); ok {
							url = strings.TrimSpace(url)
							if url != "" {
								out = append(out, canon.NewImageURL(url))
							}
						}
					}
				}
			}
		}
		return out
	default:
		return nil
	}
}

func parseToolCallPart(obj map[string]any) (canon.Part, bool) {
	id, _ := obj["id"].(string)
	function, ok := obj["function"].(map[string]any)
	if !ok {
		return nil, false
	}
	name, _ := function["name"].(string)
	if name == "" {
		return nil, false
	}
	arguments, _ := function["arguments"].(string)
	if arguments == "" {
		arguments = "{}"
	}
	return canon.ToolCallPart{ID: id, Name: name, Arguments: parseArguments(arguments)}, true
}

func parseFunctionCallPart(obj map[string]any) (canon.Part, bool) {
	name, _ := obj["name"].(string)
	if name == "" {
		return nil, false
	}
	arguments, _ := obj["arguments"].(string)
	if arguments == "" {
		arguments = "{}"
	}
	return canon.ToolCallPart{Name: name, Arguments: parseArguments(arguments)}, true
}

func parseArguments(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func parseStopSequences(value any) []string {
	switch v := value.(type) {
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func parseTools(value any) ([]canon.Tool, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, newBadRequest("tools must be an array")
	}

	var out []canon.Tool
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ty, _ := obj["type"].(string)
		if ty == "" {
			ty = "function"
		}
		if ty != "function" {
			continue
		}
		function, ok := obj["function"].(map[string]any)
		if !ok {
			function = obj
		}
		name, _ := function["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, newBadRequest("tool missing function.name")
		}
		description, _ := function["description"].(string)
		parameters := function["parameters"]
		if parameters == nil {
			parameters = map[string]any{}
		}
		strict, _ := function["strict"].(bool)
		out = append(out, canon.Tool{Name: name, Description: description, Parameters: parameters, Strict: strict})
	}
	return out, nil
}

func parseToolChoice(value any) (*canon.ToolChoice, error) {
	switch v := value.(type) {
	case string:
		switch v {
		case "auto":
			return &canon.ToolChoice{Mode: canon.ToolChoiceAuto}, nil
		case "none":
			return &canon.ToolChoice{Mode: canon.ToolChoiceNone}, nil
		case "required":
			return &canon.ToolChoice{Mode: canon.ToolChoiceRequired}, nil
		default:
			return nil, newBadRequest("unsupported tool_choice: %s", v)
		}
	case map[string]any:
		var name string
		if function, ok := v["function"].(map[string]any); ok {
			name, _ = function["name"].(string)
		}
		if name == "" {
			name, _ = v["name"].(string)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, newBadRequest("tool_choice missing function.name")
		}
		return &canon.ToolChoice{Mode: canon.ToolChoiceTool, Name: name}, nil
	default:
		return nil, nil
	}
}

func parseProviderOptionsFromRequest(obj map[string]any) map[string]any {
	out := map[string]any{}

	if reasoning, ok := obj["reasoning"].(map[string]any); ok {
		if effort, ok := reasoning["effort"].(string); ok {
			if re, ok := parseReasoningEffort(effort); ok {
				out["reasoning_effort"] = re
			}
		}
	}
	if parallel, ok := obj["parallel_tool_calls"].(bool); ok {
		out["parallel_tool_calls"] = parallel
	}
	if format, ok := obj["response_format"].(map[string]any); ok {
		if ty, _ := format["type"].(string); ty == "json_schema" {
			out["response_format"] = format
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func parseReasoningEffort(value string) (canon.ReasoningEffort, bool) {
	switch canon.ReasoningEffort(value) {
	case canon.ReasoningLow, canon.ReasoningMedium, canon.ReasoningHigh, canon.ReasoningXHigh:
		return canon.ReasoningEffort(value), true
	default:
		return "", false
	}
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// GenerateResponseToChatCompletions builds the chat.completion JSON for a
// buffered response.
func GenerateResponseToChatCompletions(resp *canon.GenerateResponse, id, model string, created int64) map[string]any {
	var content strings.Builder
	var toolCalls []any
	for idx, part := range resp.Content {
		switch p := part.(type) {
		case canon.TextPart:
			content.WriteString(p.Text)
		case canon.ToolCallPart:
			toolCalls = append(toolCalls, map[string]any{
				"id":   toolCallID(p.ID, idx),
				"type": "function",
				"function": map[string]any{
					"name":      p.Name,
					"arguments": stringifyArguments(p.Arguments),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant"}
	if content.Len() > 0 {
		message["content"] = content.String()
	} else {
		message["content"] = nil
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	choice := map[string]any{"index": 0, "message": message}
	if mapped, ok := chatFinishReasonString(resp.FinishReason); ok {
		choice["finish_reason"] = mapped
	} else {
		choice["finish_reason"] = nil
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []any{choice},
	}
	if usage := usageToChatUsage(resp.Usage); usage != nil {
		out["usage"] = usage
	}
	return out
}

// GenerateResponseToResponses builds the /v1/responses JSON for a buffered
// response.
func GenerateResponseToResponses(resp *canon.GenerateResponse, id, model string, created int64) map[string]any {
	var outputText strings.Builder
	var outputItems []any
	for idx, part := range resp.Content {
		switch p := part.(type) {
		case canon.TextPart:
			outputText.WriteString(p.Text)
		case canon.ToolCallPart:
			outputItems = append(outputItems, map[string]any{
				"type":      "function_call",
				"call_id":   toolCallID(p.ID, idx),
				"name":      p.Name,
				"arguments": stringifyArguments(p.Arguments),
			})
		}
	}

	items := []any{}
	if outputText.Len() > 0 {
		items = append(items, map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": outputText.String(),
			}},
		})
	}
	items = append(items, outputItems...)

	status, incompleteDetails := responsesStatus(resp.FinishReason)

	out := map[string]any{
		"id":          id,
		"object":      "response",
		"created":     created,
		"model":       model,
		"status":      status,
		"output":      items,
		"output_text": outputText.String(),
	}
	if incompleteDetails != nil {
		out["incomplete_details"] = incompleteDetails
	}
	if usage := usageToResponsesUsage(resp.Usage); usage != nil {
		out["usage"] = usage
	}
	return out
}

func toolCallID(id string, idx int) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Sprintf("call_%d", idx)
	}
	return id
}

func stringifyArguments(args any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func chatFinishReasonString(reason canon.FinishReason) (string, bool) {
	switch reason {
	case canon.FinishStop:
		return "stop", true
	case canon.FinishLength:
		return "length", true
	case canon.FinishToolCalls:
		return "tool_calls", true
	case canon.FinishContentFilter:
		return "content_filter", true
	case canon.FinishError:
		return "error", true
	default:
		return "", false
	}
}

func responsesStatus(reason canon.FinishReason) (string, map[string]any) {
	switch reason {
	case canon.FinishLength:
		return "incomplete", map[string]any{"reason": "max_output_tokens"}
	case canon.FinishContentFilter:
		return "incomplete", map[string]any{"reason": "content_filter"}
	case canon.FinishError:
		return "failed", nil
	default:
		return "completed", nil
	}
}

func usageToChatUsage(u canon.Usage) map[string]any {
	if u.InputTokens == nil || u.OutputTokens == nil {
		return nil
	}
	u.Normalize()
	return map[string]any{
		"prompt_tokens":     *u.InputTokens,
		"completion_tokens": *u.OutputTokens,
		"total_tokens":      *u.TotalTokens,
	}
}

func usageToResponsesUsage(u canon.Usage) map[string]any {
	out := map[string]any{}
	if u.InputTokens != nil {
		out["input_tokens"] = *u.InputTokens
	}
	if u.OutputTokens != nil {
		out["output_tokens"] = *u.OutputTokens
	}
	u.Normalize()
	if u.TotalTokens != nil {
		out["total_tokens"] = *u.TotalTokens
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
