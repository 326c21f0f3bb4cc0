package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// sseFrame marshals v and wraps it as a single SSE data frame.
func sseFrame(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "data: " + string(b) + "\n\n", nil
}

const doneFrame = "data: [DONE]\n\n"

type chatStreamState struct {
	responseID   string
	toolIndex    map[string]int
	finishReason canon.FinishReason
	haveFinish   bool
	usage        canon.Usage
	haveUsage    bool
}

func toolSlotIndex(idx map[string]int, id string) int {
	if i, ok := idx[id]; ok {
		return i
	}
	i := len(idx)
	idx[id] = i
	return i
}

// chatCompletionsSSE drains streamer and emits one SSE frame per call to
// emit, following spec.md §4.7's chat.completion.chunk synthesis rules.
func chatCompletionsSSE(streamer canon.Streamer, fallbackID, model string, created int64, emit func(string) error) error {
	state := chatStreamState{responseID: fallbackID, toolIndex: map[string]int{}}

	for {
		result, ok := streamer.Recv()
		if !ok {
			if result.Err != nil {
				return result.Err
			}
			break
		}
		if result.Err != nil {
			return result.Err
		}

		chunk := result.Chunk
		switch chunk.Type {
		case canon.ChunkResponseID:
			if id := strings.TrimSpace(chunk.ResponseID); id != "" {
				state.responseID = id
			}
		case canon.ChunkTextDelta:
			if chunk.Text == "" {
				continue
			}
			frame, err := chatChunkFrame(state.responseID, model, created, map[string]any{"content": chunk.Text}, nil)
			if err != nil {
				return err
			}
			if err := emit(frame); err != nil {
				return err
			}
		case canon.ChunkToolCallStart:
			idx := toolSlotIndex(state.toolIndex, chunk.ToolCallID)
			delta := map[string]any{"tool_calls": []any{map[string]any{
				"index": idx, "id": chunk.ToolCallID, "type": "function",
				"function": map[string]any{"name": chunk.ToolCallName},
			}}}
			frame, err := chatChunkFrame(state.responseID, model, created, delta, nil)
			if err != nil {
				return err
			}
			if err := emit(frame); err != nil {
				return err
			}
		case canon.ChunkToolCallDelta:
			if chunk.ArgumentsDelta == "" {
				continue
			}
			idx := toolSlotIndex(state.toolIndex, chunk.ToolCallID)
			delta := map[string]any{"tool_calls": []any{map[string]any{
				"index": idx, "id": chunk.ToolCallID, "type": "function",
				"function": map[string]any{"arguments": chunk.ArgumentsDelta},
			}}}
			frame, err := chatChunkFrame(state.responseID, model, created, delta, nil)
			if err != nil {
				return err
			}
			if err := emit(frame); err != nil {
				return err
			}
		case canon.ChunkFinishReason:
			state.finishReason = chunk.FinishReason
			state.haveFinish = true
		case canon.ChunkUsage:
			state.usage = chunk.Usage
			state.haveUsage = true
		}
	}

	finish := state.finishReason
	if !state.haveFinish {
		finish = canon.FinishStop
	}
	finalFrame, err := chatChunkFrame(state.responseID, model, created, map[string]any{}, &finish)
	if err != nil {
		return err
	}
	if err := emit(finalFrame); err != nil {
		return err
	}

	if state.haveUsage {
		if usage := usageToChatUsage(state.usage); usage != nil {
			out := map[string]any{
				"id": state.responseID, "object": "chat.completion.chunk", "created": created,
				"model": model, "choices": []any{}, "usage": usage,
			}
			frame, err := sseFrame(out)
			if err != nil {
				return err
			}
			if err := emit(frame); err != nil {
				return err
			}
		}
	}

	return emit(doneFrame)
}

func chatChunkFrame(id, model string, created int64, delta map[string]any, finish *canon.FinishReason) (string, error) {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != nil {
		if mapped, ok := chatFinishReasonString(*finish); ok {
			choice["finish_reason"] = mapped
		} else {
			choice["finish_reason"] = nil
		}
	} else {
		choice["finish_reason"] = nil
	}
	out := map[string]any{
		"id": id, "object": "chat.completion.chunk", "created": created,
		"model": model, "choices": []any{choice},
	}
	return sseFrame(out)
}

// CollectChatCompletionsSSE drains streamer and returns the ordered SSE
// frames it would have written to the wire. The HTTP handler's streaming
// path calls chatCompletionsSSE directly; this collector serves tests.
func CollectChatCompletionsSSE(streamer canon.Streamer, fallbackID, model string, created int64) ([]string, error) {
	var frames []string
	err := chatCompletionsSSE(streamer, fallbackID, model, created, func(f string) error {
		frames = append(frames, f)
		return nil
	})
	return frames, err
}

type responsesToolCallState struct {
	id               string
	name             string
	pendingArguments string
}

type responsesStreamState struct {
	responseID   string
	createdSent  bool
	toolIndex    map[string]int
	toolCalls    []responsesToolCallState
	finishReason canon.FinishReason
	haveFinish   bool
	usage        canon.Usage
	haveUsage    bool
}

func responsesToolSlot(state *responsesStreamState, id string) int {
	if idx, ok := state.toolIndex[id]; ok {
		return idx
	}
	idx := len(state.toolCalls)
	state.toolIndex[id] = idx
	state.toolCalls = append(state.toolCalls, responsesToolCallState{})
	return idx
}

func responsesEventFrame(eventType string, fields map[string]any) (string, error) {
	out := map[string]any{"type": eventType}
	for k, v := range fields {
		out[k] = v
	}
	return sseFrame(out)
}

// responsesSSE drains streamer and emits one SSE frame per call to emit,
// following spec.md §4.7's /v1/responses event synthesis rules.
func responsesSSE(streamer canon.Streamer, fallbackID string, emit func(string) error) error {
	state := responsesStreamState{responseID: fallbackID, toolIndex: map[string]int{}}

	ensureCreated := func() error {
		if state.createdSent {
			return nil
		}
		frame, err := responsesEventFrame("response.created", map[string]any{
			"response": map[string]any{"id": state.responseID},
		})
		if err != nil {
			return err
		}
		state.createdSent = true
		return emit(frame)
	}

	for {
		result, ok := streamer.Recv()
		if !ok {
			if result.Err != nil {
				return result.Err
			}
			break
		}
		if result.Err != nil {
			return result.Err
		}

		chunk := result.Chunk
		if chunk.Type == canon.ChunkResponseID {
			if id := strings.TrimSpace(chunk.ResponseID); id != "" {
				state.responseID = id
			}
		}
		if err := ensureCreated(); err != nil {
			return err
		}

		switch chunk.Type {
		case canon.ChunkTextDelta:
			if chunk.Text == "" {
				continue
			}
			frame, err := responsesEventFrame("response.output_text.delta", map[string]any{"delta": chunk.Text})
			if err != nil {
				return err
			}
			if err := emit(frame); err != nil {
				return err
			}
		case canon.ChunkToolCallStart:
			idx := responsesToolSlot(&state, chunk.ToolCallID)
			state.toolCalls[idx].id = chunk.ToolCallID
			state.toolCalls[idx].name = chunk.ToolCallName
		case canon.ChunkToolCallDelta:
			idx := responsesToolSlot(&state, chunk.ToolCallID)
			if state.toolCalls[idx].id == "" {
				state.toolCalls[idx].id = chunk.ToolCallID
			}
			state.toolCalls[idx].pendingArguments += chunk.ArgumentsDelta
		case canon.ChunkFinishReason:
			state.finishReason = chunk.FinishReason
			state.haveFinish = true
		case canon.ChunkUsage:
			state.usage = chunk.Usage
			state.haveUsage = true
		}
	}

	if err := ensureCreated(); err != nil {
		return err
	}

	for idx, slot := range state.toolCalls {
		callID := strings.TrimSpace(slot.id)
		if callID == "" {
			callID = fmt.Sprintf("call_%d", idx)
		}
		name := strings.TrimSpace(slot.name)
		if name == "" {
			name = "unknown"
		}
		args := strings.TrimSpace(slot.pendingArguments)
		if args == "" && name == "unknown" {
			continue
		}
		if args == "" {
			args = "{}"
		}
		frame, err := responsesEventFrame("response.output_item.done", map[string]any{
			"item": map[string]any{
				"type": "function_call", "call_id": callID, "name": name, "arguments": args,
			},
		})
		if err != nil {
			return err
		}
		if err := emit(frame); err != nil {
			return err
		}
	}

	finish := state.finishReason
	if !state.haveFinish {
		finish = canon.FinishStop
	}
	status, incompleteDetails := responsesStatus(finish)

	response := map[string]any{"id": state.responseID, "status": status}
	if incompleteDetails != nil {
		response["incomplete_details"] = incompleteDetails
	}
	if state.haveUsage {
		if usage := usageToResponsesUsage(state.usage); usage != nil {
			response["usage"] = usage
		}
	}

	eventKind := "response.incomplete"
	if status == "completed" {
		eventKind = "response.completed"
	}
	frame, err := responsesEventFrame(eventKind, map[string]any{"response": response})
	if err != nil {
		return err
	}
	return emit(frame)
}

// CollectResponsesSSE drains streamer and returns the ordered SSE frames it
// would have written to the wire.
func CollectResponsesSSE(streamer canon.Streamer, fallbackID string) ([]string, error) {
	var frames []string
	err := responsesSSE(streamer, fallbackID, func(f string) error {
		frames = append(frames, f)
		return nil
	})
	return frames, err
}
