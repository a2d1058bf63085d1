package loom

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
)

// FrameFlag enables length-prefix framing per direction.
type FrameFlag uint8

const (
	FrameNone FrameFlag = iota
	FrameRecv
	FrameSend
	FrameBoth
)

// ParseFrameFlag maps the textual form used by service scripts
// ("none", "r", "w", "wr", "rw") to a FrameFlag.
func ParseFrameFlag(s string) (FrameFlag, bool) {
	switch s {
	case "none":
		return FrameNone, true
	case "r":
		return FrameRecv, true
	case "w":
		return FrameSend, true
	case "wr", "rw":
		return FrameBoth, true
	}
	return FrameNone, false
}

func (f FrameFlag) recv() bool { return f == FrameRecv || f == FrameBoth }
func (f FrameFlag) send() bool { return f == FrameSend || f == FrameBoth }

// defaultFrameCeiling bounds a single frame's payload. Inbound frames
// over the ceiling close the connection with frame_too_large.
const defaultFrameCeiling = 64 * 1024 // 64 KiB; hard cap 0xFFFF by encoding

var errFrameTooLarge = fmt.Errorf("frame too large")

// encodeFramePrefix prepends the 2-byte big-endian length into the
// buffer's head reservation.
func encodeFramePrefix(b *Buffer) error {
	n := b.Len()
	if n > 0xFFFF {
		return errFrameTooLarge
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(n))
	return b.WriteFront(prefix[:])
}

// readFramePayload reads one length-prefixed frame, enforcing ceiling.
func readFramePayload(br *bufio.Reader, ceiling int) ([]byte, error) {
	var lenb [2]byte
	if _, err := io.ReadFull(br, lenb[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenb[:]))
	if n > ceiling {
		return nil, errFrameTooLarge
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(br, p); err != nil {
		return nil, err
	}
	return p, nil
}

// frameConn speaks the length-prefixed protocol: a 2-byte big-endian
// length precedes each payload. Inbound frames stream continuously to
// the owning service; outbound buffers carrying FlagFraming get the
// prefix prepended when send-framing is enabled.
type frameConn struct {
	*conn
	br      *bufio.Reader
	ceiling int
	flag    atomic.Int32 // FrameFlag, adjustable at runtime
}

func newFrameConn(c *conn, ceiling int) *frameConn {
	if ceiling <= 0 || ceiling > 0xFFFF {
		ceiling = defaultFrameCeiling
	}
	if ceiling > 0xFFFF {
		ceiling = 0xFFFF
	}
	f := &frameConn{
		conn:    c,
		br:      bufio.NewReaderSize(c.sock, 8192),
		ceiling: ceiling,
	}
	f.flag.Store(int32(FrameBoth))
	c.fr = f
	return f
}

func (f *frameConn) setFrameFlag(fl FrameFlag) {
	f.flag.Store(int32(fl))
}

func (f *frameConn) frameFlag() FrameFlag {
	return FrameFlag(f.flag.Load())
}

func (f *frameConn) runReader() {
	for {
		var payload []byte
		var err error
		if f.frameFlag().recv() {
			payload, err = readFramePayload(f.br, f.ceiling)
		} else {
			p := make([]byte, 4096)
			var n int
			n, err = f.br.Read(p)
			payload = p[:n]
		}
		if err != nil {
			if err == errFrameTooLarge {
				f.logicErr.Store(logicFrameTooLarge)
				err = nil
			}
			f.fail(err)
			return
		}
		f.recvTime.Store(nowUnix())

		m := NewMessage(len(payload))
		m.Data.WriteBack(payload)
		m.Subtype = SubtypeData
		f.deliver(m)
	}
}

func (f *frameConn) frameOut(b *Buffer, out net.Buffers) (net.Buffers, error) {
	if b.Flag(FlagFraming) && f.frameFlag().send() {
		if b.Len() > f.ceiling {
			return out, errFrameTooLarge
		}
		if err := encodeFramePrefix(b); err != nil {
			// Head reservation exhausted: carry the prefix as its
			// own iovec instead.
			if b.Len() > 0xFFFF {
				return out, errFrameTooLarge
			}
			prefix := make([]byte, 2)
			binary.BigEndian.PutUint16(prefix, uint16(b.Len()))
			return append(out, prefix, b.Bytes()), nil
		}
	}
	return append(out, b.Bytes()), nil
}
