// Package codec implements the framed message stream carried over the
// termshare channel.  Each frame is a 4-byte big-endian length followed
// by a msgpack-encoded Message body.
//
// The Decoder exposes a window/commit API so the transport pump can
// read directly into codec-owned memory: obtain the window, read into
// it, commit however many bytes arrived.  Frames may be split across
// any number of commits.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	headerLen = 4

	// WindowSize is the capacity of the decoder's read window.
	WindowSize = 4096

	// maxFrameLen rejects absurd length prefixes before buffering.
	maxFrameLen = 16 << 20
)

// Message is one application-level protocol message.  Kind selects the
// handler; Data carries the kind-specific msgpack payload.
type Message struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind uint32
	Data []byte
}

// ── Decoder ──────────────────────────────────────────────────────────

// DispatchFunc receives each decoded message in stream order.
type DispatchFunc func(Message)

// Decoder reassembles frames from an arbitrarily chunked byte stream
// and dispatches every complete message synchronously from Commit.
type Decoder struct {
	dispatch DispatchFunc
	window   []byte
	buf      bytes.Buffer
}

// NewDecoder returns a decoder feeding dispatch.
func NewDecoder(dispatch DispatchFunc) *Decoder {
	return &Decoder{
		dispatch: dispatch,
		window:   make([]byte, WindowSize),
	}
}

// Buffer returns the mutable window the transport should read into.
// The window is only valid until the next Commit.
func (d *Decoder) Buffer() []byte {
	return d.window
}

// Commit consumes the first n bytes of the window and dispatches every
// complete frame now available.  A malformed frame is a protocol error;
// the stream cannot be resynchronized after one.
func (d *Decoder) Commit(n int) error {
	d.buf.Write(d.window[:n])
	for {
		b := d.buf.Bytes()
		if len(b) < headerLen {
			return nil
		}
		frameLen := binary.BigEndian.Uint32(b)
		if frameLen > maxFrameLen {
			return fmt.Errorf("frame length %d exceeds limit", frameLen)
		}
		if len(b) < headerLen+int(frameLen) {
			return nil
		}
		var m Message
		if err := msgpack.Unmarshal(b[headerLen:headerLen+int(frameLen)], &m); err != nil {
			return fmt.Errorf("decoding frame: %w", err)
		}
		d.buf.Next(headerLen + int(frameLen))
		d.dispatch(m)
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// ── Encoder ──────────────────────────────────────────────────────────

// Encoder frames outbound messages into a contiguous buffer and
// signals a ready callback whenever buffered output exists.  The
// attached client drains the buffer with Bytes and Drain.
type Encoder struct {
	buf   bytes.Buffer
	ready func()
}

// NewEncoder returns an empty encoder with no ready callback.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// SetReadyFunc registers the callback fired after every Encode.  Pass
// nil to detach.
func (e *Encoder) SetReadyFunc(f func()) {
	e.ready = f
}

// Encode appends a framed message to the output buffer and signals the
// ready callback.
func (e *Encoder) Encode(m Message) error {
	body, err := msgpack.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	e.buf.Write(hdr[:])
	e.buf.Write(body)
	if e.ready != nil {
		e.ready()
	}
	return nil
}

// Bytes returns the contiguous buffered output not yet written out.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Drain discards the first n buffered bytes after a successful write.
func (e *Encoder) Drain(n int) {
	e.buf.Next(n)
}

// Len returns the number of buffered output bytes.
func (e *Encoder) Len() int {
	return e.buf.Len()
}
