package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

type countingModel struct {
	calls   int
	chunks  []canon.StreamChunk
	streamErr error
}

func (m *countingModel) ProviderName() string { return "fake" }
func (m *countingModel) ModelID() string      { return "fake-model" }

func (m *countingModel) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	m.calls++
	return &canon.GenerateResponse{
		Content:      []canon.Part{canon.TextPart{Text: "hello"}},
		FinishReason: canon.FinishStop,
	}, nil
}

func (m *countingModel) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	m.calls++
	return newSliceStreamer(m.chunks), nil
}

// sliceStreamer serves a fixed chunk sequence, used to stand in for a real
// provider stream in tests.
type sliceStreamer struct {
	chunks []canon.StreamChunk
	pos    int
}

func newSliceStreamer(chunks []canon.StreamChunk) *sliceStreamer {
	return &sliceStreamer{chunks: chunks}
}

func (s *sliceStreamer) Recv() (canon.StreamResult, bool) {
	if s.pos >= len(s.chunks) {
		return canon.StreamResult{}, false
	}
	c := s.chunks[s.pos]
	s.pos++
	return canon.StreamResult{Chunk: c}, true
}

func (s *sliceStreamer) Close() error { return nil }

func drain(t *testing.T, s canon.Streamer) []canon.StreamChunk {
	t.Helper()
	var out []canon.StreamChunk
	for {
		res, ok := s.Recv()
		if !ok {
			break
		}
		require.NoError(t, res.Err)
		out = append(out, res.Chunk)
	}
	require.NoError(t, s.Close())
	return out
}

func TestGenerate_CachesAndReplaysWithoutRecalling(t *testing.T) {
	model := &countingModel{}
	c := New(model, Config{})
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	resp1, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	resp2, err := c.Generate(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 1, model.calls)
	require.Equal(t, resp1, resp2)
}

func TestStream_ReplayProducesEqualChunksWithSingleInvocation(t *testing.T) {
	model := &countingModel{chunks: []canon.StreamChunk{
		canon.TextDeltaChunk("hi"),
		canon.FinishReasonChunk(canon.FinishStop),
	}}
	c := New(model, Config{})
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	s1, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	first := drain(t, s1)

	s2, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	second := drain(t, s2)

	require.Equal(t, 1, model.calls)
	require.Equal(t, first, second)
}

func TestGenerate_OversizedResponseIsNotCached(t *testing.T) {
	model := &countingModel{}
	c := New(model, Config{MaxValueBytes: 1})
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	_, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 2, model.calls)
}

func TestStream_OversizedStreamIsNotCached(t *testing.T) {
	bigText := strings.Repeat("x", 100)
	model := &countingModel{chunks: []canon.StreamChunk{
		canon.TextDeltaChunk(bigText),
		canon.FinishReasonChunk(canon.FinishStop),
	}}
	c := New(model, Config{MaxValueBytes: 10})
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	s1, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, s1)

	s2, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, s2)

	require.Equal(t, 2, model.calls)
}

func TestStream_ChunkCountCapPoisonsRecording(t *testing.T) {
	model := &countingModel{chunks: []canon.StreamChunk{
		canon.TextDeltaChunk("a"),
		canon.TextDeltaChunk("b"),
		canon.TextDeltaChunk("c"),
		canon.FinishReasonChunk(canon.FinishStop),
	}}
	c := New(model, Config{MaxStreamChunks: 2})
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	s1, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, s1)

	s2, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, s2)

	require.Equal(t, 2, model.calls)
}
