// Package sse implements the line-oriented Server-Sent-Events framing used
// by OpenAI and Anthropic streaming responses (spec.md §4.3.1).
package sse

import (
	"bufio"
	"io"
)

const doneMarker = "[DONE]"

// Decoder pulls `data: <payload>` lines from an underlying byte stream and
// yields each payload, treating a payload of exactly "[DONE]" as a clean
// end-of-stream marker rather than a data event.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder wraps r, splitting on LF and stripping the optional trailing CR.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next event payload. ok is false once the stream has
// ended, either via the [DONE] marker or the underlying reader's EOF; err
// distinguishes a clean end (nil) from an underlying read failure.
func (d *Decoder) Next() (payload string, ok bool, err error) {
	if d.done {
		return "", false, nil
	}
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		const prefix = "data:"
		if len(line) < len(prefix) || line[:len(prefix)] != prefix {
			continue
		}
		data := line[len(prefix):]
		if len(data) > 0 && data[0] == ' ' {
			data = data[1:]
		}
		if data == doneMarker {
			d.done = true
			return "", false, nil
		}
		return data, true, nil
	}
	d.done = true
	if err := d.scanner.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}
