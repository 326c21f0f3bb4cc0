package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/omne42/ditto-llm/pkg/canon"
	"github.com/omne42/ditto-llm/pkg/eventstream"
	"github.com/omne42/ditto-llm/pkg/providers/anthropic"
)

// streamer adapts Bedrock's invoke-with-response-stream eventstream body to
// canon.Streamer, reusing anthropic.StreamProcessor since the inner JSON
// events are identical to Anthropic's streaming protocol (spec.md §4.2.5).
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

// Stream issues an invoke-with-response-stream request and returns a
// canon.Streamer.
func (c *Client) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	br, warnings, err := c.build(req)
	if err != nil {
		return nil, err
	}
	body, err := br.MarshalBody()
	if err != nil {
		return nil, canon.NewIOError(err)
	}
	path := fmt.Sprintf("/model/%s/invoke-with-response-stream", br.Model())

	cctx, cancel := context.WithCancel(ctx)
	httpReq, err := c.signedRequest(cctx, path, body)
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

	dec := eventstream.NewDecoder(resp.Body)
	proc := anthropic.NewStreamProcessor()

	for {
		select {
		case <-ctx.Done():
			s.emit(canon.StreamResult{Err: ctx.Err()})
			return
		default:
		}

		payload, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !proc.Finished() {
					s.emit(canon.StreamResult{Chunk: canon.FinishReasonChunk(canon.FinishStop)})
				}
				return
			}
			s.emit(canon.StreamResult{Err: canon.NewHTTPError(err)})
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
