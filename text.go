package loom

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync/atomic"
)

// textConn serves explicit read requests: exactly N bytes, whatever
// arrives up to N bytes, or until a delimiter. At most one request is
// outstanding; partial input buffers internally until the condition
// is met. Outbound buffers are written verbatim.
type textConn struct {
	*conn
	br    *bufio.Reader
	reqCh chan readRequest
	busy  atomic.Bool // a request is queued or being served
}

func newTextConn(c *conn) *textConn {
	t := &textConn{
		conn:  c,
		br:    bufio.NewReaderSize(c.sock, 8192),
		reqCh: make(chan readRequest, 1),
	}
	c.fr = t
	return t
}

// read queues a read request. It reports false when one is already
// outstanding or the connection is closed.
func (t *textConn) read(req readRequest) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	if !t.busy.CompareAndSwap(false, true) {
		return false
	}
	select {
	case t.reqCh <- req:
		return true
	default:
		t.busy.Store(false)
		return false
	}
}

func (t *textConn) runReader() {
	for {
		var req readRequest
		select {
		case <-t.done:
			return
		case req = <-t.reqCh:
		}

		t.errSession.Store(req.session)
		payload, err := t.fulfill(req.mode)
		if err != nil {
			t.fail(err)
			return
		}
		t.errSession.Store(0)
		t.busy.Store(false)
		t.recvTime.Store(nowUnix())

		m := NewMessage(len(payload))
		m.Data.WriteBack(payload)
		m.Subtype = SubtypeData
		m.Session = req.session
		t.deliver(m)
	}
}

func (t *textConn) fulfill(mode ReadMode) ([]byte, error) {
	if len(mode.Delim) > 0 {
		return t.readUntil(mode.Delim)
	}
	if mode.Some {
		n := mode.Size
		if n <= 0 {
			n = 4096
		}
		p := make([]byte, n)
		got, err := t.br.Read(p)
		if err != nil {
			return nil, err
		}
		return p[:got], nil
	}
	p := make([]byte, mode.Size)
	if _, err := io.ReadFull(t.br, p); err != nil {
		return nil, err
	}
	return p, nil
}

// readUntil accumulates input until delim, which is stripped from the
// returned payload. Multi-byte delimiters (CRLF) are handled by
// scanning on the final byte and checking the suffix.
func (t *textConn) readUntil(delim []byte) ([]byte, error) {
	last := delim[len(delim)-1]
	var acc []byte
	for {
		chunk, err := t.br.ReadBytes(last)
		acc = append(acc, chunk...)
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(acc, delim) {
			return acc[:len(acc)-len(delim)], nil
		}
	}
}

func (t *textConn) frameOut(b *Buffer, out net.Buffers) (net.Buffers, error) {
	return append(out, b.Bytes()), nil
}
