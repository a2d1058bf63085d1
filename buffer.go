package loom

import (
	"errors"
)

// BufferFlag marks per-buffer behavior consumed by the transport layer.
type BufferFlag uint8

const (
	// FlagFraming asks the connection to prepend its wire framing
	// (length prefix, WebSocket header) before the payload goes out.
	FlagFraming BufferFlag = 1 << iota
	// FlagClose closes the connection after this buffer is written.
	FlagClose
	// FlagWSText marks an outbound WebSocket payload as a text frame
	// (binary otherwise).
	FlagWSText
)

var ErrHeadFull = errors.New("buffer head region full")

// Buffer is a contiguous byte region with a reserved head so protocol
// framing can be prepended without reallocation.
//
// Layout: data[0:head] is the reservation, data[rpos:wpos] is the
// readable region. WriteBack grows as needed; WriteFront consumes the
// reservation and fails once it is exhausted.
type Buffer struct {
	data  []byte
	rpos  int
	wpos  int
	flags BufferFlag

	// wsOpcode overrides the WebSocket opcode for control frames
	// generated inside the connection (ping replies, close echoes).
	wsOpcode byte
}

// defaultHeadReserve leaves room for the largest framing any connection
// type prepends (WebSocket header: 2 + 8 bytes).
const defaultHeadReserve = 16

// NewBuffer returns a buffer with the given payload capacity and head
// reservation. A head of 0 is valid for buffers that never get framed.
func NewBuffer(capacity, head int) *Buffer {
	return &Buffer{
		data: make([]byte, head, head+capacity),
		rpos: head,
		wpos: head,
	}
}

func (b *Buffer) Flag(f BufferFlag) bool { return b.flags&f != 0 }
func (b *Buffer) SetFlag(f BufferFlag)   { b.flags |= f }
func (b *Buffer) ClearFlag(f BufferFlag) { b.flags &^= f }

// Len returns the number of readable bytes.
func (b *Buffer) Len() int { return b.wpos - b.rpos }

// Bytes returns the readable region. The slice aliases the buffer and
// is invalidated by the next write.
func (b *Buffer) Bytes() []byte { return b.data[b.rpos:b.wpos] }

// WriteBack appends p, growing the buffer if needed.
func (b *Buffer) WriteBack(p []byte) {
	b.Prepare(len(p))
	b.wpos += copy(b.data[b.wpos:b.wpos+len(p)], p)
}

// WriteString appends s without an intermediate copy.
func (b *Buffer) WriteString(s string) {
	b.Prepare(len(s))
	b.wpos += copy(b.data[b.wpos:b.wpos+len(s)], s)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.Prepare(1)
	b.data[b.wpos] = c
	b.wpos++
	return nil
}

// WriteFront prepends p into the head reservation. It fails if the
// remaining reservation is smaller than p.
func (b *Buffer) WriteFront(p []byte) error {
	if len(p) > b.rpos {
		return ErrHeadFull
	}
	copy(b.data[b.rpos-len(p):b.rpos], p)
	b.rpos -= len(p)
	return nil
}

// Prepare ensures at least n writable bytes past the write cursor and
// returns the writable region for direct I/O. Call Commit afterwards.
func (b *Buffer) Prepare(n int) []byte {
	if cap(b.data)-b.wpos < n {
		grown := make([]byte, b.wpos, 2*cap(b.data)+n)
		copy(grown, b.data[:b.wpos])
		b.data = grown
	}
	b.data = b.data[:b.wpos+n]
	return b.data[b.wpos : b.wpos+n]
}

// Commit advances the write cursor by n, after raw bytes were placed
// into the region returned by Prepare.
func (b *Buffer) Commit(n int) {
	b.wpos += n
}

// Seek advances the read cursor by n and reports whether n bytes were
// available.
func (b *Buffer) Seek(n int) bool {
	if n > b.Len() {
		return false
	}
	b.rpos += n
	return true
}

// Next consumes and returns the next n readable bytes (fewer if the
// buffer holds fewer).
func (b *Buffer) Next(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	p := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return p
}

// Clear resets the cursors and flags, restoring the default head
// reservation so the buffer can be reused.
func (b *Buffer) Clear() {
	reserve := defaultHeadReserve
	if cap(b.data) < reserve {
		b.data = make([]byte, reserve, reserve+64)
	} else {
		b.data = b.data[:reserve]
	}
	b.rpos = reserve
	b.wpos = reserve
	b.flags = 0
	b.wsOpcode = 0
}
