package openairesponses

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/sse"
)

// streamer adapts an OpenAI Responses SSE stream to canon.Streamer, grounded
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

// Stream issues a streaming Responses request and returns a canon.Streamer.
// pkg/gateway does not call this package's stream processor; its SSE
// synthesis consumes the canon chunks a Streamer yields.
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
		for _, ch := range chunks {
			if !s.emit(canon.StreamResult{Chunk: ch}) {
				return
			}
		}
		if proc.Finished() {
			return
		}
	}
}

// wire event shapes

type wireStreamEvent struct {
	Type string `json:"type"`

	Delta string `json:"delta,omitempty"`

	ItemID      string          `json:"item_id,omitempty"`
	OutputIndex int             `json:"output_index,omitempty"`
	Item        *wireStreamItem `json:"item,omitempty"`

	Response *WireResponse `json:"response,omitempty"`
}

type wireStreamItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

type toolSlot struct {
	callID string
}

// StreamProcessor implements spec.md §4.3.3's OpenAI Responses streaming
// state machine.
type StreamProcessor struct {
	slots    map[string]*toolSlot
	finished bool
}

func NewStreamProcessor() *StreamProcessor {
	return &StreamProcessor{slots: map[string]*toolSlot{}}
}

// Finished reports whether a terminal event has already been observed.
func (p *StreamProcessor) Finished() bool { return p.finished }

func (p *StreamProcessor) Handle(raw []byte) ([]canon.StreamChunk, error) {
	var ev wireStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, canon.NewInvalidResponseError("openai stream: invalid event: %v", err)
	}

	switch ev.Type {
	case "response.created":
		if ev.Response != nil && ev.Response.ID != "" {
			return []canon.StreamChunk{canon.ResponseIDChunk(ev.Response.ID)}, nil
		}
		return nil, nil

	case "response.output_text.delta":
		return []canon.StreamChunk{canon.TextDeltaChunk(ev.Delta)}, nil

	case "response.output_item.added":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			key := itemKey(ev.Item.ID, ev.OutputIndex)
			p.slots[key] = &toolSlot{callID: ev.Item.CallID}
			return []canon.StreamChunk{canon.ToolCallStartChunk(ev.Item.CallID, ev.Item.Name)}, nil
		}
		return nil, nil

	case "response.function_call_arguments.delta":
		key := itemKey(ev.ItemID, ev.OutputIndex)
		slot, ok := p.slots[key]
		if !ok {
			return nil, canon.NewInvalidResponseError("openai stream: arguments delta for unknown item %q", ev.ItemID)
		}
		return []canon.StreamChunk{canon.ToolCallDeltaChunk(slot.callID, ev.Delta)}, nil

	case "response.completed", "response.incomplete":
		var chunks []canon.StreamChunk
		hasToolCalls := len(p.slots) > 0
		status := "completed"
		incompleteReason := ""
		if ev.Response != nil {
			status = ev.Response.Status
			if ev.Response.IncompleteDetails != nil {
				incompleteReason = ev.Response.IncompleteDetails.Reason
			}
			if ev.Response.Usage.InputTokens != 0 || ev.Response.Usage.OutputTokens != 0 {
				usage := canon.Usage{
					InputTokens:  intPtr(ev.Response.Usage.InputTokens),
					OutputTokens: intPtr(ev.Response.Usage.OutputTokens),
				}
				if ev.Response.Usage.TotalTokens != 0 {
					usage.TotalTokens = intPtr(ev.Response.Usage.TotalTokens)
				}
				usage.Normalize()
				chunks = append(chunks, canon.UsageChunk(usage))
			}
		}
		chunks = append(chunks, canon.FinishReasonChunk(MapFinishReason(status, incompleteReason, hasToolCalls)))
		p.finished = true
		return chunks, nil

	default:
		return nil, nil
	}
}

func itemKey(id string, index int) string {
	if id != "" {
		return id
	}
	return strconv.Itoa(index)
}
