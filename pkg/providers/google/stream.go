package google

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/sse"
)

// streamer adapts a Google generateContent SSE stream to canon.Streamer,
// grounded on pkg/providers/anthropic/stream.go's channel+goroutine shape.
type streamer struct {
	cancel context.CancelFunc
	body   closer

	results chan canon.StreamResult

	mu   sync.Mutex
	done bool
}

type closer interface {
	Close() error
}

// Stream issues a streamGenerateContent request (spec.md §4.3.3: "infrequently
// exercised" for Google, still SSE-framed like the OpenAI families).
func (c *Client) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	br, warnings, err := c.build(req)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(cctx, br.Model(), "streamGenerateContent", body)
	if err != nil {
		cancel()
		return nil, err
	}
	q := httpReq.URL.Query()
	q.Set("alt", "sse")
	httpReq.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, canon.NewHTTPError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		data := make([]byte, 4096)
		n, _ := resp.Body.Read(data)
		return nil, canon.NewAPIError(resp.StatusCode, string(data[:n]))
	}

	s := &streamer{
		cancel:  cancel,
		body:    resp.Body,
		results: make(chan canon.StreamResult, 32),
	}
	go s.run(cctx, resp, warnings)
	return s, nil
}

func (s *streamer) Recv() (canon.StreamResult, bool) {
	r, ok := <-s.results
	return r, ok
}

func (s *streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if s.done {
		return nil
	}
	s.done = true
	return s.body.Close()
}

func (s *streamer) emit(r canon.StreamResult) bool {
	s.results <- r
	return true
}

func (s *streamer) run(ctx context.Context, resp *http.Response, warnings []canon.Warning) {
	defer close(s.results)
	defer resp.Body.Close()

	if len(warnings) > 0 {
		s.emit(canon.StreamResult{Chunk: canon.WarningsChunk(warnings)})
	}

	dec := sse.NewDecoder(resp.Body)
	proc := newStreamProcessor()

	for {
		select {
		case <-ctx.Done():
			s.emit(canon.StreamResult{Err: ctx.Err()})
			return
		default:
		}

		payload, ok, err := dec.Next()
		if err != nil {
			s.emit(canon.StreamResult{Err: canon.NewHTTPError(err)})
			return
		}
		if !ok {
			if !proc.finished {
				s.emit(canon.StreamResult{Chunk: canon.FinishReasonChunk(canon.FinishStop)})
			}
			return
		}

		chunks, err := proc.handle([]byte(payload))
		if err != nil {
			s.emit(canon.StreamResult{Err: err})
			return
		}
		for _, ch := range chunks {
			if !s.emit(canon.StreamResult{Chunk: ch}) {
				return
			}
		}
		if proc.finished {
			return
		}
	}
}

// streamProcessor implements the Google streaming state machine. Unlike the
// OpenAI families, each SSE event is a complete WireResponse rather than a
// field-level delta, and a functionCall part arrives whole rather than
// fragmented across events (spec.md §4.3.3).
type streamProcessor struct {
	seq      int
	finished bool
}

func newStreamProcessor() *streamProcessor {
	return &streamProcessor{}
}

func (p *streamProcessor) handle(raw []byte) ([]canon.StreamChunk, error) {
	var wresp WireResponse
	if err := json.Unmarshal(raw, &wresp); err != nil {
		return nil, canon.NewInvalidResponseError("google stream: invalid event: %v", err)
	}
	if len(wresp.Candidates) == 0 {
		return nil, nil
	}
	cand := wresp.Candidates[0]

	var chunks []canon.StreamChunk
	hasToolCalls := false
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			hasToolCalls = true
			p.seq++
			id := callID(p.seq)
			chunks = append(chunks, canon.ToolCallStartChunk(id, part.FunctionCall.Name))
			argsJSON, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, canon.NewInvalidResponseError("google stream: marshal function call args: %v", err)
			}
			chunks = append(chunks, canon.ToolCallDeltaChunk(id, string(argsJSON)))
		case part.Thought:
			chunks = append(chunks, canon.ReasoningDeltaChunk(part.Text))
		case part.Text != "":
			chunks = append(chunks, canon.TextDeltaChunk(part.Text))
		}
	}

	if cand.FinishReason != "" {
		if wresp.UsageMetadata.PromptTokenCount != 0 || wresp.UsageMetadata.CandidatesTokenCount != 0 {
			usage := canon.Usage{
				InputTokens:  intPtr(wresp.UsageMetadata.PromptTokenCount),
				OutputTokens: intPtr(wresp.UsageMetadata.CandidatesTokenCount),
			}
			if wresp.UsageMetadata.TotalTokenCount != 0 {
				usage.TotalTokens = intPtr(wresp.UsageMetadata.TotalTokenCount)
			}
			usage.Normalize()
			chunks = append(chunks, canon.UsageChunk(usage))
		}
		chunks = append(chunks, canon.FinishReasonChunk(MapFinishReason(cand.FinishReason, hasToolCalls)))
		p.finished = true
	}

	return chunks, nil
}

func callID(seq int) string {
	return "call_" + strconv.Itoa(seq)
}
