package google

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

func TestStreamProcessor_TextDelta(t *testing.T) {
	p := newStreamProcessor()
	chunks, err := p.handle([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, canon.ChunkTextDelta, chunks[0].Type)
	require.Equal(t, "hel", chunks[0].Text)
	require.False(t, p.finished)
}

func TestStreamProcessor_FunctionCallEmitsStartThenWholeArgumentsDelta(t *testing.T) {
	p := newStreamProcessor()
	chunks, err := p.handle([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"add","args":{"a":1}}}]}}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, canon.ChunkToolCallStart, chunks[0].Type)
	require.Equal(t, "call_1", chunks[0].ToolCallID)
	require.Equal(t, "add", chunks[0].ToolCallName)
	require.Equal(t, canon.ChunkToolCallDelta, chunks[1].Type)
	require.Equal(t, "call_1", chunks[1].ToolCallID)
	require.JSONEq(t, `{"a":1}`, chunks[1].ArgumentsDelta)
}

func TestStreamProcessor_FinishReasonFlushesUsageThenFinish(t *testing.T) {
	p := newStreamProcessor()
	chunks, err := p.handle([]byte(`{
		"candidates":[{"content":{"role":"model","parts":[{"text":"done"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}
	}`))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, canon.ChunkTextDelta, chunks[0].Type)
	require.Equal(t, canon.ChunkUsage, chunks[1].Type)
	require.Equal(t, 3, *chunks[1].Usage.TotalTokens)
	require.Equal(t, canon.ChunkFinishReason, chunks[2].Type)
	require.Equal(t, canon.FinishStop, chunks[2].FinishReason)
	require.True(t, p.finished)
}

func TestStreamProcessor_SequentialFunctionCallsGetDistinctIDs(t *testing.T) {
	p := newStreamProcessor()
	_, err := p.handle([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"first","args":{}}}]}}]}`))
	require.NoError(t, err)
	chunks, err := p.handle([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"second","args":{}}}]}}]}`))
	require.NoError(t, err)
	require.Equal(t, "call_2", chunks[0].ToolCallID)
}
