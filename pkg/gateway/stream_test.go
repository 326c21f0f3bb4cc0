package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// sliceStreamer replays a fixed slice of canon.StreamResult values, mirroring
// the test double used for pkg/cache's stream tests.
type sliceStreamer struct {
	results []canon.StreamResult
	pos     int
}

func (s *sliceStreamer) Recv() (canon.StreamResult, bool) {
	if s.pos >= len(s.results) {
		return canon.StreamResult{}, false
	}
	r := s.results[s.pos]
	s.pos++
	return r, true
}

func (s *sliceStreamer) Close() error { return nil }

func decodeFrame(t *testing.T, frame string) map[string]any {
	t.Helper()
	require.True(t, strings.HasPrefix(frame, "data: "))
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &out))
	return out
}

// TestChatCompletionsSSE_GatewayStreamSynthesisProperty asserts the exact
// testable property from spec.md §8 ("Gateway chat-stream synthesis").
func TestChatCompletionsSSE_GatewayStreamSynthesisProperty(t *testing.T) {
	in := 2
	out := 3
	streamer := &sliceStreamer{results: []canon.StreamResult{
		{Chunk: canon.StreamChunk{Type: canon.ChunkTextDelta, Text: "hi"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkToolCallStart, ToolCallID: "call_1", ToolCallName: "add"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkToolCallDelta, ToolCallID: "call_1", ArgumentsDelta: `{"a":1}`}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkFinishReason, FinishReason: canon.FinishToolCalls}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkUsage, Usage: canon.Usage{InputTokens: &in, OutputTokens: &out}}},
	}}

	frames, err := CollectChatCompletionsSSE(streamer, "chatcmpl-fallback", "gpt-4o", 1000)
	require.NoError(t, err)
	require.Len(t, frames, 6)

	deltas := make([]map[string]any, 0, 4)
	for i := 0; i < 4; i++ {
		obj := decodeFrame(t, frames[i])
		choices := obj["choices"].([]any)
		require.Len(t, choices, 1)
		choice := choices[0].(map[string]any)
		deltas = append(deltas, choice["delta"].(map[string]any))
		if i == 3 {
			require.Equal(t, "tool_calls", choice["finish_reason"])
		}
	}

	require.Equal(t, map[string]any{"content": "hi"}, deltas[0])

	toolStart := deltas[1]["tool_calls"].([]any)[0].(map[string]any)
	require.Equal(t, float64(0), toolStart["index"])
	require.Equal(t, "call_1", toolStart["id"])
	require.Equal(t, "function", toolStart["type"])
	require.Equal(t, map[string]any{"name": "add"}, toolStart["function"])

	toolDelta := deltas[2]["tool_calls"].([]any)[0].(map[string]any)
	require.Equal(t, float64(0), toolDelta["index"])
	require.Equal(t, "call_1", toolDelta["id"])
	require.Equal(t, map[string]any{"arguments": `{"a":1}`}, toolDelta["function"])

	require.Empty(t, deltas[3])

	usageFrame := decodeFrame(t, frames[4])
	require.Equal(t, []any{}, usageFrame["choices"])
	usage := usageFrame["usage"].(map[string]any)
	require.Equal(t, float64(2), usage["prompt_tokens"])
	require.Equal(t, float64(3), usage["completion_tokens"])
	require.Equal(t, float64(5), usage["total_tokens"])

	require.Equal(t, doneFrame, frames[5])
}

func TestChatCompletionsSSE_DefaultsToStopWhenNoFinishReasonObserved(t *testing.T) {
	streamer := &sliceStreamer{results: []canon.StreamResult{
		{Chunk: canon.StreamChunk{Type: canon.ChunkTextDelta, Text: "ok"}},
	}}
	frames, err := CollectChatCompletionsSSE(streamer, "chatcmpl-fallback", "gpt-4o", 1000)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	final := decodeFrame(t, frames[1])
	choice := final["choices"].([]any)[0].(map[string]any)
	require.Equal(t, "stop", choice["finish_reason"])
	require.Equal(t, doneFrame, frames[2])
}

func TestChatCompletionsSSE_ResponseIDAdoptedFromChunk(t *testing.T) {
	streamer := &sliceStreamer{results: []canon.StreamResult{
		{Chunk: canon.StreamChunk{Type: canon.ChunkResponseID, ResponseID: "chatcmpl-real"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkTextDelta, Text: "x"}},
	}}
	frames, err := CollectChatCompletionsSSE(streamer, "chatcmpl-fallback", "gpt-4o", 1000)
	require.NoError(t, err)

	obj := decodeFrame(t, frames[0])
	require.Equal(t, "chatcmpl-real", obj["id"])
}

func TestChatCompletionsSSE_PropagatesUpstreamErrorWithoutFinalFrames(t *testing.T) {
	streamErr := &canon.APIError{Status: 500, Body: "boom"}
	streamer := &sliceStreamer{results: []canon.StreamResult{
		{Chunk: canon.StreamChunk{Type: canon.ChunkTextDelta, Text: "partial"}},
		{Err: streamErr},
	}}
	frames, err := CollectChatCompletionsSSE(streamer, "chatcmpl-fallback", "gpt-4o", 1000)
	require.Error(t, err)
	require.Len(t, frames, 1)
}

func TestResponsesSSE_TextAndToolCallLifecycle(t *testing.T) {
	in := 1
	out := 1
	streamer := &sliceStreamer{results: []canon.StreamResult{
		{Chunk: canon.StreamChunk{Type: canon.ChunkResponseID, ResponseID: "resp-real"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkTextDelta, Text: "hello"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkToolCallStart, ToolCallID: "call_9", ToolCallName: "lookup"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkToolCallDelta, ToolCallID: "call_9", ArgumentsDelta: `{"q":"x"}`}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkFinishReason, FinishReason: canon.FinishToolCalls}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkUsage, Usage: canon.Usage{InputTokens: &in, OutputTokens: &out}}},
	}}

	frames, err := CollectResponsesSSE(streamer, "resp-fallback")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 4)

	created := decodeFrame(t, frames[0])
	require.Equal(t, "response.created", created["type"])
	require.Equal(t, "resp-real", created["response"].(map[string]any)["id"])

	textDelta := decodeFrame(t, frames[1])
	require.Equal(t, "response.output_text.delta", textDelta["type"])
	require.Equal(t, "hello", textDelta["delta"])

	var itemDone, completed map[string]any
	for _, f := range frames[2:] {
		obj := decodeFrame(t, f)
		switch obj["type"] {
		case "response.output_item.done":
			itemDone = obj
		case "response.completed", "response.incomplete":
			completed = obj
		}
	}
	require.NotNil(t, itemDone)
	item := itemDone["item"].(map[string]any)
	require.Equal(t, "call_9", item["call_id"])
	require.Equal(t, "lookup", item["name"])
	require.Equal(t, `{"q":"x"}`, item["arguments"])

	require.NotNil(t, completed)
	require.Equal(t, "response.completed", completed["type"])
	response := completed["response"].(map[string]any)
	require.Equal(t, "completed", response["status"])
	usage := response["usage"].(map[string]any)
	require.Equal(t, float64(1), usage["input_tokens"])
}

func TestResponsesSSE_IncompleteOnLengthFinish(t *testing.T) {
	streamer := &sliceStreamer{results: []canon.StreamResult{
		{Chunk: canon.StreamChunk{Type: canon.ChunkTextDelta, Text: "x"}},
		{Chunk: canon.StreamChunk{Type: canon.ChunkFinishReason, FinishReason: canon.FinishLength}},
	}}
	frames, err := CollectResponsesSSE(streamer, "resp-fallback")
	require.NoError(t, err)

	last := decodeFrame(t, frames[len(frames)-1])
	require.Equal(t, "response.incomplete", last["type"])
	response := last["response"].(map[string]any)
	require.Equal(t, "incomplete", response["status"])
	details := response["incomplete_details"].(map[string]any)
	require.Equal(t, "max_output_tokens", details["reason"])
}

func TestResponsesSSE_CreatedEmittedEvenWithNoChunks(t *testing.T) {
	streamer := &sliceStreamer{}
	frames, err := CollectResponsesSSE(streamer, "resp-fallback")
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	created := decodeFrame(t, frames[0])
	require.Equal(t, "response.created", created["type"])
	require.Equal(t, "resp-fallback", created["response"].(map[string]any)["id"])
}
