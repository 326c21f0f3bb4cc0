package canon

import "context"

// ChunkType discriminates the StreamChunk tagged union.
type ChunkType string

const (
	ChunkWarnings       ChunkType = "warnings"
	ChunkResponseID     ChunkType = "response_id"
	ChunkTextDelta      ChunkType = "text_delta"
	ChunkToolCallStart  ChunkType = "tool_call_start"
	ChunkToolCallDelta  ChunkType = "tool_call_delta"
	ChunkReasoningDelta ChunkType = "reasoning_delta"
	ChunkFinishReason   ChunkType = "finish_reason"
	ChunkUsage          ChunkType = "usage"
)

// StreamChunk is the canonical, wire-agnostic incremental unit produced by a
// streaming model call.
//
// A well-formed stream (spec.md §3) emits, for a given tool call, a
// ToolCallStart before any ToolCallDelta carrying that call's ID, and emits
// a ChunkFinishReason chunk only after any ChunkUsage chunk.
type StreamChunk struct {
	Type ChunkType

	Warnings []Warning // ChunkWarnings

	ResponseID string // ChunkResponseID

	Text string // ChunkTextDelta / ChunkReasoningDelta

	ToolCallID       string // ChunkToolCallStart / ChunkToolCallDelta
	ToolCallName     string // ChunkToolCallStart
	ArgumentsDelta   string // ChunkToolCallDelta

	FinishReason FinishReason // ChunkFinishReason

	Usage Usage // ChunkUsage
}

func TextDeltaChunk(text string) StreamChunk { return StreamChunk{Type: ChunkTextDelta, Text: text} }

func ReasoningDeltaChunk(text string) StreamChunk {
	return StreamChunk{Type: ChunkReasoningDelta, Text: text}
}

func ToolCallStartChunk(id, name string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallStart, ToolCallID: id, ToolCallName: name}
}

func ToolCallDeltaChunk(id, delta string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallDelta, ToolCallID: id, ArgumentsDelta: delta}
}

func FinishReasonChunk(reason FinishReason) StreamChunk {
	return StreamChunk{Type: ChunkFinishReason, FinishReason: reason}
}

func UsageChunk(u Usage) StreamChunk { return StreamChunk{Type: ChunkUsage, Usage: u} }

func ResponseIDChunk(id string) StreamChunk { return StreamChunk{Type: ChunkResponseID, ResponseID: id} }

func WarningsChunk(w []Warning) StreamChunk { return StreamChunk{Type: ChunkWarnings, Warnings: w} }

// StreamResult pairs a StreamChunk with an error, the unit yielded by a
// Streamer's lazy sequence (spec.md §4.1: "stream(request) → lazy sequence
// of chunk results").
type StreamResult struct {
	Chunk StreamChunk
	Err   error
}

// Streamer delivers incremental model output. Callers must drain Recv until
// it returns (StreamResult{}, false) and then call Close to release the
// underlying connection (spec.md §4.1, §5 cancellation hygiene).
type Streamer interface {
	// Recv returns the next chunk. ok is false once the stream has ended,
	// either cleanly or due to an error (check Err in the final result).
	Recv() (StreamResult, bool)
	Close() error
}

// Client is the provider-agnostic language-model port (spec.md §4.1).
type Client interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Stream(ctx context.Context, req *GenerateRequest) (Streamer, error)
	ProviderName() string
	ModelID() string
}
