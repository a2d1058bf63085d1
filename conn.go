package loom

// Connection state machine shared by all protocol variants.
//
// Invariants:
//   - A connection lives on exactly one worker's reactor; its owning
//     service may live anywhere.
//   - Each connection has a dedicated writer goroutine reading from a
//     send queue, so only one goroutine ever writes to the socket.
//     Up to sendBatchMax buffers are coalesced into a single
//     scatter-gather write.
//   - Every conn write is bounded by connWriteTimeout. On timeout or
//     error the connection is torn down.
//   - Teardown emits at most two messages to the owning service:
//     socket_error (only when an error caused it), then socket_close.
//     No further messages bearing this fd are emitted afterwards.

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// connWriteTimeout bounds every socket write. A peer that stops
// reading fails the write instead of wedging the writer goroutine.
const connWriteTimeout = 5 * time.Second

// sendBatchMax is the number of queued buffers drained per
// scatter-gather write.
const sendBatchMax = 50

// Send queue watermarks. Crossing warnSendQueueSize logs; crossing
// maxSendQueueSize closes the connection with send_queue_overflow.
const (
	defaultWarnSendQueueSize = 64
	defaultMaxSendQueueSize  = 1024
)

// Core-detected logic error codes, reported as "logic_errcode" in the
// socket_error payload.
const (
	logicNone = iota
	logicSendQueueOverflow
	logicRecvTimeout
	logicFrameTooLarge
	logicHandshakeFailed
)

func logicErrMsg(code int) string {
	switch code {
	case logicSendQueueOverflow:
		return "send_queue_overflow"
	case logicRecvTimeout:
		return "recv_timeout"
	case logicFrameTooLarge:
		return "frame_too_large"
	case logicHandshakeFailed:
		return "handshake_failed"
	}
	return "ok"
}

// ReadMode selects what a text-protocol read request waits for.
// With Delim set, the read completes at the delimiter (stripped from
// the payload). Otherwise Size bytes are read — exactly Size, or, when
// Some is set, whatever arrives first up to Size.
type ReadMode struct {
	Delim []byte
	Size  int
	Some  bool
}

type readRequest struct {
	mode    ReadMode
	session int32
}

// framer is the per-variant protocol hook set.
type framer interface {
	// runReader blocks reading the socket until error or close,
	// emitting inbound messages through conn.deliver.
	runReader()
	// frameOut converts one queued buffer into wire iovecs.
	frameOut(b *Buffer, out net.Buffers) (net.Buffers, error)
}

type conn struct {
	fd    uint32
	owner uint32
	ptype PType
	sock  net.Conn
	addr  string

	reactor atomic.Pointer[Reactor] // back-reference, cleared on teardown
	fr      framer

	mu         sync.Mutex
	queue      []*Buffer
	wake       chan struct{}
	closed     bool
	silent     bool // explicit local close: emit socket_close only
	drainClose bool // overflow: finish the queue, then tear down
	warnQ      int
	maxQ       int

	logicErr atomic.Int32

	// errSession carries an in-flight read request's session so the
	// teardown error reaches the requester (negated).
	errSession atomic.Int32

	// announce suppresses the automatic accept/connect message for
	// variants that announce themselves (WebSocket, after handshake).
	announce bool

	timeoutSec atomic.Int64
	recvTime   atomic.Int64

	failOnce sync.Once
	done     chan struct{}
}

func newConn(fd, owner uint32, ptype PType, sock net.Conn, r *Reactor) *conn {
	c := &conn{
		fd:    fd,
		owner: owner,
		ptype: ptype,
		sock:  sock,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		warnQ: r.warnSendQueue,
		maxQ:  r.maxSendQueue,
	}
	c.reactor.Store(r)
	c.announce = true
	if ra := sock.RemoteAddr(); ra != nil {
		c.addr = ra.String()
	}
	return c
}

// start stamps the receive time, begins the reader and writer
// goroutines, and announces the connection to the owning service.
func (c *conn) start(accepted bool) {
	c.recvTime.Store(nowUnix())

	if c.announce {
		sub := SubtypeConnect
		if accepted {
			sub = SubtypeAccept
		}
		m := NewMessage(len(c.addr))
		m.WriteString(c.addr)
		m.Subtype = sub
		c.deliver(m)
	}

	go c.fr.runReader()
	go c.runWriter()
}

// send enqueues a buffer for writing. It reports false when the
// connection is closed or the enqueue overflowed the queue.
func (c *conn) send(b *Buffer) bool {
	if b == nil || (b.Len() == 0 && b.wsOpcode == 0) {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	overflow := len(c.queue) >= c.maxQ
	if overflow {
		// Reject this and further sends but let the writer finish
		// what is already queued before tearing down.
		c.closed = true
		c.drainClose = true
	} else {
		c.queue = append(c.queue, b)
	}
	n := len(c.queue)
	c.mu.Unlock()

	if overflow {
		c.logicErr.Store(logicSendQueueOverflow)
		if r := c.reactor.Load(); r != nil {
			r.router.metrics.SendQueueOverflows.Add(1)
		}
	} else if n >= c.warnQ {
		slog.Warn("send queue too long", "fd", c.fd, "addr", c.addr, "size", n)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return !overflow
}

func (c *conn) runWriter() {
	var iov net.Buffers
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			n := len(c.queue)
			if n == 0 {
				drain := c.drainClose
				c.mu.Unlock()
				if drain {
					c.fail(nil)
					return
				}
				break
			}
			if n > sendBatchMax {
				n = sendBatchMax
			}
			batch := c.queue[:n:n]
			c.queue = c.queue[n:]
			c.mu.Unlock()

			iov = iov[:0]
			closeAfter := false
			var err error
			for _, b := range batch {
				iov, err = c.fr.frameOut(b, iov)
				if err != nil {
					c.fail(err)
					return
				}
				if b.Flag(FlagClose) {
					closeAfter = true
				}
			}

			c.sock.SetWriteDeadline(time.Now().Add(connWriteTimeout))
			if _, err := iov.WriteTo(c.sock); err != nil {
				c.fail(err)
				return
			}

			if closeAfter {
				c.closeSilent()
				return
			}
		}
	}
}

// closeSilent shuts the connection down from the local side: the
// owning service receives socket_close but no socket_error.
func (c *conn) closeSilent() {
	c.mu.Lock()
	c.silent = true
	c.mu.Unlock()
	c.fail(nil)
}

// checkTimeout closes connections idle past their receive timeout.
// Called from the reactor's sweep.
func (c *conn) checkTimeout(now int64) {
	t := c.timeoutSec.Load()
	if t == 0 {
		return
	}
	if now-c.recvTime.Load() > t {
		c.logicErr.Store(logicRecvTimeout)
		c.fail(nil)
	}
}

func (c *conn) setNodelay() {
	if tc, ok := c.sock.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

// fail tears the connection down exactly once: shut the socket both
// directions, emit the error/close pair, release the reactor
// back-reference.
func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		silent := c.silent
		c.mu.Unlock()
		close(c.done)

		if tc, ok := c.sock.(*net.TCPConn); ok {
			tc.CloseRead()
			tc.CloseWrite()
		}
		c.sock.Close()

		lerr := int(c.logicErr.Load())
		pending := c.errSession.Load()
		if !silent {
			var m *Message
			switch {
			case lerr != logicNone:
				m = NewMessage(64)
				m.WriteString(fmt.Sprintf(`{"addr":"%s","logic_errcode":%d,"errmsg":"%s"}`,
					c.addr, lerr, logicErrMsg(lerr)))
			case err != nil && !errors.Is(err, io.EOF):
				m = NewMessage(64)
				m.WriteString(fmt.Sprintf(`{"addr":"%s","errcode":%d,"errmsg":"%s"}`,
					c.addr, transportErrCode(err), escapeQuotes(err.Error())))
			case pending != 0:
				// A clean EOF still has to answer an in-flight read
				// request, or its session would dangle forever.
				m = NewMessage(64)
				m.WriteString(fmt.Sprintf(`{"addr":"%s","errcode":0,"errmsg":"closed"}`, c.addr))
			}
			if m != nil {
				m.Subtype = SubtypeError
				m.Session = -pending
				c.deliver(m)
			}
		}

		m := NewMessage(len(c.addr))
		m.WriteString(c.addr)
		m.Subtype = SubtypeClose
		c.deliver(m)

		if r := c.reactor.Load(); r != nil {
			c.reactor.Store(nil)
			r.removeConn(c.fd)
			r.metricsConnClosed()
		}
	})
}

// deliver routes a synthetic message to the owning service.
func (c *conn) deliver(m *Message) {
	r := c.reactor.Load()
	if r == nil {
		return
	}
	m.Sender = c.fd
	if m.Type == PTypeUnknown {
		m.Type = c.ptype
	}
	r.handleMessage(c.owner, m)
}

func transportErrCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return 0
	}
	return 1
}

func escapeQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		case '\n', '\r':
			out = append(out, ' ')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
