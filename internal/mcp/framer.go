package mcp

import "bytes"

// DefaultFramerCapacity is the initial size of a Framer's backing storage.
const DefaultFramerCapacity = 64 * 1024

// Framer reassembles newline-delimited messages from an arbitrarily chunked
// byte stream. Unconsumed bytes are always kept at the front of buf.
//
// There is no upper bound on message size: an unterminated line keeps growing
// the buffer. The server talks to a single local peer, so that is acceptable.
type Framer struct {
	buf []byte
}

// NewFramer creates a Framer with the given initial capacity.
func NewFramer(capacity int) *Framer {
	if capacity <= 0 {
		capacity = DefaultFramerCapacity
	}
	return &Framer{buf: make([]byte, 0, capacity)}
}

// Append copies p into the buffer, doubling capacity until it fits.
func (f *Framer) Append(p []byte) {
	need := len(f.buf) + len(p)
	if need > cap(f.buf) {
		newCap := cap(f.buf)
		if newCap == 0 {
			newCap = DefaultFramerCapacity
		}
		for newCap < need {
			newCap *= 2
		}
		grown := make([]byte, len(f.buf), newCap)
		copy(grown, f.buf)
		f.buf = grown
	}
	f.buf = append(f.buf, p...)
}

// Next returns the first complete message without its trailing newline and
// drops it from the buffer. ok is false when no newline has been buffered yet.
func (f *Framer) Next() (msg []byte, ok bool) {
	idx := bytes.IndexByte(f.buf, '\n')
	if idx < 0 {
		return nil, false
	}

	msg = make([]byte, idx)
	copy(msg, f.buf[:idx])

	n := copy(f.buf, f.buf[idx+1:])
	f.buf = f.buf[:n]

	return msg, true
}

// Len returns the number of buffered, unconsumed bytes.
func (f *Framer) Len() int {
	return len(f.buf)
}

// Cap returns the capacity of the backing storage.
func (f *Framer) Cap() int {
	return cap(f.buf)
}
