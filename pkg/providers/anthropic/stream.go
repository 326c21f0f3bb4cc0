package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/sse"
)

// streamer adapts an Anthropic Messages SSE stream to canon.Streamer,
// grounded on the channel+goroutine shape of
// goadesign-goa-ai/features/model/anthropic/stream.go, with the SDK's
// typed event union replaced by hand-decoded wire event JSON.
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

// Stream issues a streaming Messages request and returns a canon.Streamer.
func (c *Client) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	br, warnings, err := c.build(req, true)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(cctx, body, br)
	if err != nil {
		cancel()
		return nil, err
	}
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
	proc := NewStreamProcessor()

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
			if !proc.Finished() {
				s.emit(canon.StreamResult{Chunk: canon.FinishReasonChunk(canon.FinishStop)})
			}
			return
		}

		chunks, err := proc.Handle([]byte(payload))
		if err != nil {
			s.emit(canon.StreamResult{Err: err})
			return
		}
		for _, c := range chunks {
			if !s.emit(canon.StreamResult{Chunk: c}) {
				return
			}
		}
		if proc.Finished() {
			return
		}
	}
}

// wire event shapes

type wireEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *wireBlock `json:"content_block,omitempty"`

	Delta *wireDelta `json:"delta,omitempty"`

	Usage WireUsage `json:"usage,omitempty"`

	Message *WireResponse `json:"message,omitempty"`
}

type wireDelta struct {
	Type string `json:"type"`

	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`

	StopReason string `json:"stop_reason,omitempty"`
}

// StreamProcessor implements the event vocabulary from spec.md §4.3.3
// (Anthropic / Bedrock streaming). usage and stopReason accumulate across
// message_delta events and are flushed only at message_stop, matching the
// "flush usage (if any) and FinishReason... in that order" rule.
type StreamProcessor struct {
	toolIndex  map[int]string // content index -> tool call id
	finished   bool
	sawUsage   bool
	usage      canon.Usage
	stopReason string
}

func NewStreamProcessor() *StreamProcessor {
	return &StreamProcessor{toolIndex: map[int]string{}}
}

// Finished reports whether message_stop has already been observed.
func (p *StreamProcessor) Finished() bool { return p.finished }

func (p *StreamProcessor) Handle(raw []byte) ([]canon.StreamChunk, error) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, canon.NewInvalidResponseError("anthropic stream: invalid event: %v", err)
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			p.toolIndex[ev.Index] = ev.ContentBlock.ID
			chunks := []canon.StreamChunk{canon.ToolCallStartChunk(ev.ContentBlock.ID, ev.ContentBlock.Name)}
			if ev.ContentBlock.Input != nil {
				if data, err := json.Marshal(ev.ContentBlock.Input); err == nil && string(data) != "null" {
					chunks = append(chunks, canon.ToolCallDeltaChunk(ev.ContentBlock.ID, string(data)))
				}
			}
			return chunks, nil
		}
		return nil, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []canon.StreamChunk{canon.TextDeltaChunk(ev.Delta.Text)}, nil
		case "thinking_delta":
			return []canon.StreamChunk{canon.ReasoningDeltaChunk(ev.Delta.Thinking)}, nil
		case "input_json_delta":
			id, ok := p.toolIndex[ev.Index]
			if !ok {
				return nil, fmt.Errorf("anthropic stream: input_json_delta for unknown content index %d", ev.Index)
			}
			return []canon.StreamChunk{canon.ToolCallDeltaChunk(id, ev.Delta.PartialJSON)}, nil
		}
		return nil, nil

	case "message_delta":
		if ev.Usage.InputTokens != 0 || ev.Usage.OutputTokens != 0 ||
			ev.Usage.CacheCreationInputTokens != 0 || ev.Usage.CacheReadInputTokens != 0 {
			p.sawUsage = true
			p.usage = canon.Usage{
				InputTokens:  intPtr(ev.Usage.InputTokens),
				OutputTokens: intPtr(ev.Usage.OutputTokens),
			}
			if ev.Usage.CacheReadInputTokens > 0 {
				p.usage.CacheInputTokens = intPtr(ev.Usage.CacheReadInputTokens)
			}
			if ev.Usage.CacheCreationInputTokens > 0 {
				p.usage.CacheCreationInputTokens = intPtr(ev.Usage.CacheCreationInputTokens)
			}
			p.usage.Normalize()
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			p.stopReason = ev.Delta.StopReason
		} else if ev.Message != nil && ev.Message.StopReason != "" {
			p.stopReason = ev.Message.StopReason
		}
		return nil, nil

	case "message_stop":
		var chunks []canon.StreamChunk
		if p.sawUsage {
			chunks = append(chunks, canon.UsageChunk(p.usage))
		}
		reason := canon.FinishStop
		if p.stopReason != "" {
			reason = MapFinishReason(p.stopReason)
		}
		chunks = append(chunks, canon.FinishReasonChunk(reason))
		p.finished = true
		return chunks, nil

	case "error":
		return nil, canon.NewAPIError(0, string(raw))

	default:
		return nil, nil
	}
}
