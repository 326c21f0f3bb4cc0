package openairesponses

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

func TestStreamProcessor_TextDelta(t *testing.T) {
	p := NewStreamProcessor()
	chunks, err := p.Handle([]byte(`{"type":"response.output_text.delta","delta":"hel"}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, canon.ChunkTextDelta, chunks[0].Type)
	require.Equal(t, "hel", chunks[0].Text)
}

func TestStreamProcessor_ResponseCreatedEmitsResponseID(t *testing.T) {
	p := NewStreamProcessor()
	chunks, err := p.Handle([]byte(`{"type":"response.created","response":{"id":"resp_1","status":"in_progress","output":null,"usage":{}}}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, canon.ChunkResponseID, chunks[0].Type)
	require.Equal(t, "resp_1", chunks[0].ResponseID)
}

func TestStreamProcessor_ToolCallStartThenDeltas(t *testing.T) {
	p := NewStreamProcessor()

	chunks, err := p.Handle([]byte(`{"type":"response.output_item.added","output_index":0,"item":{"id":"item_1","type":"function_call","call_id":"call_1","name":"add"}}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, canon.ChunkToolCallStart, chunks[0].Type)
	require.Equal(t, "call_1", chunks[0].ToolCallID)
	require.Equal(t, "add", chunks[0].ToolCallName)

	chunks, err = p.Handle([]byte(`{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{\"a\":1}"}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, canon.ChunkToolCallDelta, chunks[0].Type)
	require.Equal(t, "call_1", chunks[0].ToolCallID)
	require.Equal(t, `{"a":1}`, chunks[0].ArgumentsDelta)
}

func TestStreamProcessor_CompletedFlushesUsageThenFinishReason(t *testing.T) {
	p := NewStreamProcessor()
	chunks, err := p.Handle([]byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed","output":null,"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}}`))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, canon.ChunkUsage, chunks[0].Type)
	require.Equal(t, 3, *chunks[0].Usage.TotalTokens)
	require.Equal(t, canon.ChunkFinishReason, chunks[1].Type)
	require.Equal(t, canon.FinishStop, chunks[1].FinishReason)
	require.True(t, p.Finished())
}

func TestStreamProcessor_IncompleteMaxTokens(t *testing.T) {
	p := NewStreamProcessor()
	chunks, err := p.Handle([]byte(`{"type":"response.incomplete","response":{"id":"resp_1","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"},"output":null,"usage":{}}}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, canon.FinishLength, chunks[0].FinishReason)
}
