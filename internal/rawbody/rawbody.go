// Package rawbody normalizes the different shapes an inbound message body can
// arrive in into a single contiguous byte slice.
package rawbody

import (
	"bytes"
	"fmt"
	"io"
)

// chunkSize is the read size used when draining streams.
const chunkSize = 32 * 1024

// Kind identifies the representation a Body was built from.
type Kind int

const (
	KindEmpty Kind = iota
	KindBuffer
	KindStream
	KindText
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindStream:
		return "stream"
	case KindText:
		return "text"
	case KindUnknown:
		return "unknown"
	default:
		return "empty"
	}
}

// Body is a tagged inbound message body. The zero value is an empty body.
type Body struct {
	kind     Kind
	buf      []byte
	stream   io.Reader
	sizeHint int64
	text     string
	other    any
}

// FromBytes wraps an already materialized buffer.
func FromBytes(b []byte) Body {
	if b == nil {
		return Body{}
	}
	return Body{kind: KindBuffer, buf: b}
}

// FromStream wraps a streaming source. sizeHint pre-sizes the destination
// buffer and may be zero when the length is unknown.
func FromStream(r io.Reader, sizeHint int64) Body {
	if r == nil {
		return Body{}
	}
	return Body{kind: KindStream, stream: r, sizeHint: sizeHint}
}

// FromText wraps a textual body; it is encoded as UTF-8.
func FromText(s string) Body {
	return Body{kind: KindText, text: s}
}

// FromUnknown wraps any other value. Read falls back to a generic adapter.
func FromUnknown(v any) Body {
	if v == nil {
		return Body{}
	}
	return Body{kind: KindUnknown, other: v}
}

// Kind reports the representation of b.
func (b Body) Kind() Kind {
	return b.kind
}

// Read returns the body as one byte slice. An empty or absent body yields a
// zero-length slice and no error.
func Read(b Body) ([]byte, error) {
	switch b.kind {
	case KindBuffer:
		return b.buf, nil
	case KindStream:
		data, _, err := drain(b.stream, b.sizeHint)
		return data, err
	case KindText:
		return []byte(b.text), nil
	case KindUnknown:
		return readUnknown(b.other)
	default:
		return []byte{}, nil
	}
}

// drain reads r chunk by chunk into a buffer pre-sized by hint and reports the
// total number of bytes read.
func drain(r io.Reader, hint int64) ([]byte, int64, error) {
	capacity := hint
	if capacity < 0 {
		capacity = 0
	}
	out := make([]byte, 0, capacity)
	chunk := make([]byte, chunkSize)

	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			out = append(out, chunk[:n]...)
			total += int64(n)
		}
		if err == io.EOF {
			return out, total, nil
		}
		if err != nil {
			return nil, total, fmt.Errorf("failed to read body stream after %d bytes: %w", total, err)
		}
	}
}

// readUnknown is the generic byte-consuming adapter for unrecognized bodies.
func readUnknown(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case io.WriterTo:
		var buf bytes.Buffer
		if _, err := val.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("failed to copy body: %w", err)
		}
		return buf.Bytes(), nil
	case io.Reader:
		data, _, err := drain(val, 0)
		return data, err
	case fmt.Stringer:
		return []byte(val.String()), nil
	default:
		return nil, fmt.Errorf("unsupported body representation %T", v)
	}
}
