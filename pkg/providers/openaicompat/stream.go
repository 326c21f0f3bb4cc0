package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/sse"
)

// streamer adapts a chat/completions SSE stream to canon.Streamer, grounded
// on pkg/providers/anthropic/stream.go's channel+goroutine shape.
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

// Stream issues a streaming chat/completions request and returns a
// canon.Streamer.
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
	httpReq, err := c.newRequest(cctx, body)
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

// wire event shapes

type wireStreamEvent struct {
	Choices []wireStreamChoice `json:"choices"`
	Usage   *WireUsage         `json:"usage,omitempty"`
}

type wireStreamChoice struct {
	Delta        wireStreamDelta `json:"delta"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type wireStreamDelta struct {
	Content   string               `json:"content,omitempty"`
	ToolCalls []wireStreamToolCall `json:"tool_calls,omitempty"`
}

type wireStreamToolCall struct {
	Index    int                       `json:"index"`
	ID       string                    `json:"id,omitempty"`
	Function wireStreamToolCallFunc `json:"function,omitempty"`
}

type wireStreamToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type toolSlot struct {
	id             string
	name           string
	started        bool
	pendingArgs    string
}

// streamProcessor implements spec.md §4.3.3's "OpenAI chat/completions
// streaming" state machine: tool calls are keyed by their positional index
// and buffered until both id and name have been observed for that slot.
type streamProcessor struct {
	slots    map[int]*toolSlot
	finished bool
}

func newStreamProcessor() *streamProcessor {
	return &streamProcessor{slots: map[int]*toolSlot{}}
}

func (p *streamProcessor) handle(raw []byte) ([]canon.StreamChunk, error) {
	var ev wireStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, canon.NewInvalidResponseError("openai-compatible stream: invalid event: %v", err)
	}

	var chunks []canon.StreamChunk

	if ev.Usage != nil {
		usage := canon.Usage{
			InputTokens:  intPtr(ev.Usage.PromptTokens),
			OutputTokens: intPtr(ev.Usage.CompletionTokens),
		}
		if ev.Usage.TotalTokens != 0 {
			usage.TotalTokens = intPtr(ev.Usage.TotalTokens)
		}
		usage.Normalize()
		chunks = append(chunks, canon.UsageChunk(usage))
	}

	if len(ev.Choices) == 0 {
		return chunks, nil
	}
	choice := ev.Choices[0]

	if choice.Delta.Content != "" {
		chunks = append(chunks, canon.TextDeltaChunk(choice.Delta.Content))
	}

	for _, tc := range choice.Delta.ToolCalls {
		slot, ok := p.slots[tc.Index]
		if !ok {
			slot = &toolSlot{}
			p.slots[tc.Index] = slot
		}
		if tc.ID != "" {
			slot.id = tc.ID
		}
		if tc.Function.Name != "" {
			slot.name = tc.Function.Name
		}
		if !slot.started {
			if tc.Function.Arguments != "" {
				slot.pendingArgs += tc.Function.Arguments
			}
			if slot.id != "" && slot.name != "" {
				slot.started = true
				chunks = append(chunks, canon.ToolCallStartChunk(slot.id, slot.name))
				if slot.pendingArgs != "" {
					chunks = append(chunks, canon.ToolCallDeltaChunk(slot.id, slot.pendingArgs))
					slot.pendingArgs = ""
				}
			}
			continue
		}
		if tc.Function.Arguments != "" {
			chunks = append(chunks, canon.ToolCallDeltaChunk(slot.id, tc.Function.Arguments))
		}
	}

	if choice.FinishReason != "" {
		chunks = append(chunks, canon.FinishReasonChunk(MapFinishReason(choice.FinishReason)))
		p.finished = true
	}

	return chunks, nil
}
