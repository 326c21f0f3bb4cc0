// Package eventstream decodes the AWS binary
// application/vnd.amazon.eventstream framing used by Bedrock's streaming
// InvokeModelWithResponseStream API (spec.md §4.3.2), grounded on the
// message layout documented in aws-sdk-go-v2's aws/protocol/eventstream
// package but hand-rolled so CRC validation can be made opt-out per this
// runtime's own semantics rather than the SDK's.
package eventstream

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf8"
)

const (
	preludeLen  = 8 // total_len + headers_len
	preludeCRC  = 4
	messageCRC  = 4
	minTotalLen = preludeLen + preludeCRC + messageCRC // 16
)

// Decoder reads successive eventstream messages from an underlying reader
// and yields the decoded JSON payload text of each "event"-typed message.
type Decoder struct {
	r   io.Reader
	// SkipCRCValidation disables prelude/message CRC32 checks, matching the
	// spec's documented laxity ("CRC fields are read but not validated...
	// caller may validate"). Validation is enabled by default.
	SkipCRCValidation bool
}

// NewDecoder wraps r. Validation defaults to enabled; set
// SkipCRCValidation on the returned Decoder to relax it.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// headerValue holds a decoded header's captured value; only string-typed
// (type 7) values are retained verbatim, others are dropped after length
// validation since no header besides :message-type is consulted.
type headerValue struct {
	name string
	str  string
	isStr bool
}

// Next reads and decodes one message, returning its JSON payload text. It
// returns io.EOF when the underlying stream is exhausted cleanly between
// messages.
func (d *Decoder) Next() (string, error) {
	var prelude [preludeLen + preludeCRC]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", fmt.Errorf("eventstream: truncated prelude: %w", io.ErrUnexpectedEOF)
		}
		return "", err
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRCVal := binary.BigEndian.Uint32(prelude[8:12])

	if totalLen < minTotalLen {
		return "", fmt.Errorf("eventstream: total_len %d below minimum %d", totalLen, minTotalLen)
	}
	if uint64(headersLen) > uint64(totalLen)-minTotalLen {
		return "", fmt.Errorf("eventstream: headers_len %d overruns message of total_len %d", headersLen, totalLen)
	}

	if !d.SkipCRCValidation {
		if got := crc32.ChecksumIEEE(prelude[:preludeLen]); got != preludeCRCVal {
			return "", fmt.Errorf("eventstream: prelude CRC mismatch: got %x want %x", got, preludeCRCVal)
		}
	}

	rest := make([]byte, totalLen-preludeLen-preludeCRC)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return "", fmt.Errorf("eventstream: truncated message body: %w", err)
	}

	headerBytes := rest[:headersLen]
	payloadEnd := len(rest) - messageCRC
	payloadBytes := rest[headersLen:payloadEnd]
	msgCRCVal := binary.BigEndian.Uint32(rest[payloadEnd:])

	if !d.SkipCRCValidation {
		full := make([]byte, 0, len(prelude)+len(rest)-messageCRC)
		full = append(full, prelude[:]...)
		full = append(full, rest[:payloadEnd]...)
		if got := crc32.ChecksumIEEE(full); got != msgCRCVal {
			return "", fmt.Errorf("eventstream: message CRC mismatch: got %x want %x", got, msgCRCVal)
		}
	}

	headers, err := decodeHeaders(headerBytes)
	if err != nil {
		return "", err
	}

	msgType, ok := headers[":message-type"]
	if !ok || !msgType.isStr || msgType.str != "event" {
		return "", fmt.Errorf("eventstream: missing or unexpected :message-type header")
	}

	var envelope struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(payloadBytes, &envelope); err != nil {
		return "", fmt.Errorf("eventstream: payload is not a {\"bytes\":...} envelope: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Bytes)
	if err != nil {
		return "", fmt.Errorf("eventstream: invalid base64 payload: %w", err)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("eventstream: decoded payload is not valid UTF-8")
	}
	return string(decoded), nil
}

func decodeHeaders(b []byte) (map[string]headerValue, error) {
	out := map[string]headerValue{}
	i := 0
	for i < len(b) {
		if i+1 > len(b) {
			return nil, fmt.Errorf("eventstream: truncated header name length")
		}
		nameLen := int(b[i])
		i++
		if i+nameLen > len(b) {
			return nil, fmt.Errorf("eventstream: header name overruns header block")
		}
		name := string(b[i : i+nameLen])
		i += nameLen

		if i+1 > len(b) {
			return nil, fmt.Errorf("eventstream: truncated header value type for %q", name)
		}
		valueType := b[i]
		i++

		hv := headerValue{name: name}
		switch valueType {
		case 0, 1:
			// boolean true/false, zero-length
		case 2:
			if i+1 > len(b) {
				return nil, fmt.Errorf("eventstream: truncated byte value for %q", name)
			}
			i += 1
		case 3:
			if i+2 > len(b) {
				return nil, fmt.Errorf("eventstream: truncated short value for %q", name)
			}
			i += 2
		case 4:
			if i+4 > len(b) {
				return nil, fmt.Errorf("eventstream: truncated int value for %q", name)
			}
			i += 4
		case 5:
			if i+8 > len(b) {
				return nil, fmt.Errorf("eventstream: truncated long value for %q", name)
			}
			i += 8
		case 6:
			n, next, err := readU16Length(b, i, name)
			if err != nil {
				return nil, err
			}
			i = next + n
		case 7:
			n, next, err := readU16Length(b, i, name)
			if err != nil {
				return nil, err
			}
			if next+n > len(b) {
				return nil, fmt.Errorf("eventstream: string value overruns header block for %q", name)
			}
			hv.str = string(b[next : next+n])
			hv.isStr = true
			i = next + n
		case 8:
			if i+8 > len(b) {
				return nil, fmt.Errorf("eventstream: truncated timestamp value for %q", name)
			}
			i += 8
		case 9:
			if i+16 > len(b) {
				return nil, fmt.Errorf("eventstream: truncated uuid value for %q", name)
			}
			i += 16
		default:
			return nil, fmt.Errorf("eventstream: unsupported header value type %d for %q", valueType, name)
		}
		out[name] = hv
	}
	return out, nil
}

func readU16Length(b []byte, i int, name string) (n, next int, err error) {
	if i+2 > len(b) {
		return 0, 0, fmt.Errorf("eventstream: truncated length prefix for %q", name)
	}
	n = int(binary.BigEndian.Uint16(b[i : i+2]))
	next = i + 2
	if next+n > len(b) {
		return 0, 0, fmt.Errorf("eventstream: value overruns header block for %q", name)
	}
	return n, next, nil
}
