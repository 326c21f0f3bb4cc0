package cache

import (
	"github.com/omne42/ditto-llm/pkg/canon"
)

// replayStreamer serves a previously recorded chunk sequence as a fresh
// lazy sequence, cloning each chunk in order (spec.md §4.6: "replay
// constructs a fresh lazy sequence by cloning recorded chunks").
type replayStreamer struct {
	chunks []canon.StreamChunk
	pos    int
}

func newReplayStreamer(chunks []canon.StreamChunk) *replayStreamer {
	cloned := make([]canon.StreamChunk, len(chunks))
	copy(cloned, chunks)
	return &replayStreamer{chunks: cloned}
}

func (r *replayStreamer) Recv() (canon.StreamResult, bool) {
	if r.pos >= len(r.chunks) {
		return canon.StreamResult{}, false
	}
	c := r.chunks[r.pos]
	r.pos++
	return canon.StreamResult{Chunk: c}, true
}

func (r *replayStreamer) Close() error { return nil }

// recordingStreamer wraps a live Streamer, mirroring every chunk into a
// buffer capped by MaxStreamChunks and MaxValueBytes. It inserts into the
// cache on a clean end and poisons (does not insert) on overflow or error
// (spec.md §4.6).
type recordingStreamer struct {
	upstream canon.Streamer
	cache    *Client
	key      uint64

	buffer   []canon.StreamChunk
	bytes    int
	poisoned bool
	done     bool
}

func newRecordingStreamer(upstream canon.Streamer, cache *Client, key uint64) *recordingStreamer {
	return &recordingStreamer{upstream: upstream, cache: cache, key: key}
}

func (r *recordingStreamer) Recv() (canon.StreamResult, bool) {
	result, ok := r.upstream.Recv()

	if result.Err != nil {
		r.poisoned = true
	} else if ok && !r.poisoned {
		r.bytes += chunkSize(result.Chunk)
		if len(r.buffer) >= r.cache.cfg.MaxStreamChunks || r.bytes > r.cache.cfg.MaxValueBytes {
			r.poisoned = true
			r.buffer = nil
		} else {
			r.buffer = append(r.buffer, result.Chunk)
		}
	}

	if !ok && !r.done {
		r.done = true
		if !r.poisoned {
			r.cache.insert(r.key, r.buffer)
		}
	}

	return result, ok
}

func (r *recordingStreamer) Close() error {
	return r.upstream.Close()
}
