package loom

// Reactor is a worker's socket module. It owns the acceptor and
// connection tables for every fd whose high bits name this worker,
// allocates those fds, and sweeps receive timeouts.
//
// Ownership: the reactor owns connections by fd; a connection holds
// only the fd and a clearable back-reference, and the worker holds
// the reactor. No cycles survive teardown.

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// timeoutSweepInterval is the cadence of the receive-timeout sweep.
const timeoutSweepInterval = 10 * time.Second

// defaultConnectTimeout bounds a blocking (session==0) connect.
const defaultConnectTimeout = 5 * time.Second

type acceptor struct {
	fd    uint32
	owner uint32
	ptype PType
	ln    net.Listener
}

type Reactor struct {
	worker *Worker
	router *Router

	mu        sync.Mutex
	acceptors map[uint32]*acceptor
	conns     map[uint32]*conn
	fdWatch   map[uint32]struct{}

	fdSeq atomic.Uint32

	warnSendQueue int
	maxSendQueue  int
	frameCeiling  int

	done     chan struct{}
	stopOnce sync.Once
}

func newReactor(w *Worker, r *Router, cfg *config) *Reactor {
	re := &Reactor{
		worker:        w,
		router:        r,
		acceptors:     make(map[uint32]*acceptor),
		conns:         make(map[uint32]*conn),
		fdWatch:       make(map[uint32]struct{}),
		warnSendQueue: cfg.warnSendQueue,
		maxSendQueue:  cfg.maxSendQueue,
		frameCeiling:  cfg.frameCeiling,
		done:          make(chan struct{}),
	}
	go re.sweep()
	return re
}

// uuid allocates a process-unique fd: worker prefix in the high bits,
// wrapping counter in the low bits, filtered through the watcher set
// so a wrapped counter never collides with a live fd.
func (re *Reactor) uuid() uint32 {
	for {
		n := re.fdSeq.Add(1) % maxSocketNum
		fd := makeID(re.worker.id, uint16(n+1))
		re.mu.Lock()
		_, taken := re.fdWatch[fd]
		if !taken {
			re.fdWatch[fd] = struct{}{}
		}
		re.mu.Unlock()
		if !taken {
			return fd
		}
	}
}

func (re *Reactor) unlockFD(fd uint32) {
	re.mu.Lock()
	delete(re.fdWatch, fd)
	re.mu.Unlock()
}

// Listen opens a TCP listener owned by a service. Returns the listen
// fd, or 0 on failure (logged).
func (re *Reactor) Listen(host string, port uint16, owner uint32, ptype PType) uint32 {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		slog.Error("listen failed", "host", host, "port", port, "error", err)
		return 0
	}

	a := &acceptor{fd: re.uuid(), owner: owner, ptype: ptype, ln: ln}
	re.mu.Lock()
	re.acceptors[a.fd] = a
	re.mu.Unlock()

	slog.Info("listening", "addr", ln.Addr().String(), "fd", a.fd, "type", ptype.String())
	return a.fd
}

// ListenAddr returns a listener's bound address (useful when listening
// on port 0), "" for unknown fds.
func (re *Reactor) ListenAddr(fd uint32) string {
	re.mu.Lock()
	a := re.acceptors[fd]
	re.mu.Unlock()
	if a == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Accept starts accepting on a listen fd. With session==0 the reactor
// keeps accepting after every success; otherwise exactly one accept is
// performed and the new fd is delivered to owner through the session.
// The accepted connection is created on the worker that owns owner.
func (re *Reactor) Accept(listenFd uint32, session int32, owner uint32) {
	re.mu.Lock()
	a := re.acceptors[listenFd]
	re.mu.Unlock()
	if a == nil {
		re.router.respond(owner, listenFd, "accept: invalid listen fd", "error", -session, PTypeError)
		return
	}

	go func() {
		for {
			sock, err := a.ln.Accept()
			if err != nil {
				if session != 0 {
					re.router.respond(owner, a.fd,
						fmt.Sprintf("accept failed: %v", err), "error", -session, PTypeError)
				} else {
					select {
					case <-re.done:
					default:
						slog.Warn("accept failed", "fd", a.fd, "error", err)
					}
					re.Close(a.fd)
				}
				return
			}

			fd := re.router.addConnection(owner, a.ptype, sock, true)
			if session != 0 {
				re.router.respond(owner, a.fd, idString(fd), "", -session, PTypeText)
				return
			}
		}
	}()
}

// Connect dials host:port for a service. session==0 blocks (bounded by
// timeoutMs, default 5s) and returns the new fd, 0 on failure. A
// non-zero session dials asynchronously: the fd or the error comes
// back through the session, and the dial is abandoned after timeoutMs.
func (re *Reactor) Connect(host string, port uint16, owner uint32, ptype PType, session int32, timeoutMs int64) uint32 {
	if ptype == PTypeSocketWS {
		// WebSocket connections are server-role only.
		if session != 0 {
			re.router.respond(owner, 0,
				fmt.Sprintf("connect %s:%d failed: websocket is accept-only", host, port),
				"error", -session, PTypeError)
		}
		return 0
	}

	timeout := defaultConnectTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if session == 0 {
		sock, err := net.DialTimeout("tcp", target, timeout)
		if err != nil {
			slog.Warn("connect failed", "addr", target, "error", err)
			return 0
		}
		return re.router.addConnection(owner, ptype, sock, false)
	}

	go func() {
		sock, err := net.DialTimeout("tcp", target, timeout)
		if err != nil {
			var msg string
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				msg = fmt.Sprintf("connect %s:%d timeout", host, port)
			} else {
				msg = fmt.Sprintf("connect %s:%d failed: %v", host, port, err)
			}
			re.router.respond(owner, 0, msg, "error", -session, PTypeError)
			return
		}
		fd := re.router.addConnection(owner, ptype, sock, false)
		re.router.respond(owner, 0, idString(fd), "", -session, PTypeText)
	}()
	return 0
}

// attach creates the connection record for an established socket and
// starts its goroutines. Runs on the reactor whose worker owns it.
func (re *Reactor) attach(owner uint32, ptype PType, sock net.Conn, accepted bool) uint32 {
	c := newConn(re.uuid(), owner, ptype, sock, re)
	switch ptype {
	case PTypeSocket:
		newFrameConn(c, re.frameCeiling)
	case PTypeSocketWS:
		newWSConn(c)
	default:
		newTextConn(c)
	}

	re.mu.Lock()
	re.conns[c.fd] = c
	re.mu.Unlock()

	re.router.metrics.ConnectionsOpened.Add(1)
	c.start(accepted)
	return c.fd
}

// Read queues a read request on a text connection. Errors are never
// reported synchronously: an invalid fd produces an error response on
// the owner's next mailbox drain.
func (re *Reactor) Read(fd uint32, owner uint32, mode ReadMode, session int32) {
	re.mu.Lock()
	c := re.conns[fd]
	re.mu.Unlock()

	if c != nil {
		if t, ok := c.fr.(*textConn); ok {
			if t.read(readRequest{mode: mode, session: session}) {
				return
			}
		}
	}
	re.router.respond(owner, fd, "read an invalid socket", "closed", -session, PTypeError)
}

// Write enqueues a buffer on a connection. Ownership of b transfers.
func (re *Reactor) Write(fd uint32, b *Buffer) bool {
	re.mu.Lock()
	c := re.conns[fd]
	re.mu.Unlock()
	if c == nil {
		return false
	}
	return c.send(b)
}

// WriteWithFlag sets flags before enqueueing.
func (re *Reactor) WriteWithFlag(fd uint32, b *Buffer, flags BufferFlag) bool {
	b.SetFlag(flags)
	return re.Write(fd, b)
}

// Close shuts a connection or listener down from the owning side.
// The owning service still receives socket_close for connections.
func (re *Reactor) Close(fd uint32) bool {
	re.mu.Lock()
	c := re.conns[fd]
	a := re.acceptors[fd]
	if a != nil {
		delete(re.acceptors, fd)
	}
	re.mu.Unlock()

	if c != nil {
		c.closeSilent()
		return true
	}
	if a != nil {
		a.ln.Close()
		re.unlockFD(fd)
		return true
	}
	return false
}

func (re *Reactor) SetTimeout(fd uint32, seconds int64) bool {
	re.mu.Lock()
	c := re.conns[fd]
	re.mu.Unlock()
	if c == nil {
		return false
	}
	c.timeoutSec.Store(seconds)
	return true
}

func (re *Reactor) SetNodelay(fd uint32) bool {
	re.mu.Lock()
	c := re.conns[fd]
	re.mu.Unlock()
	if c == nil {
		return false
	}
	c.setNodelay()
	return true
}

// SetEnableFrame adjusts per-direction length-prefix framing on a
// frame connection. Flag values: "none", "r", "w", "wr", "rw".
func (re *Reactor) SetEnableFrame(fd uint32, flag string) bool {
	v, ok := ParseFrameFlag(flag)
	if !ok {
		slog.Warn("unsupported enable frame flag", "flag", flag)
		return false
	}
	re.mu.Lock()
	c := re.conns[fd]
	re.mu.Unlock()
	if c == nil {
		return false
	}
	f, ok := c.fr.(*frameConn)
	if !ok {
		return false
	}
	f.setFrameFlag(v)
	return true
}

// removeConn drops a torn-down connection from the table and recycles
// its fd. Called from conn.fail.
func (re *Reactor) removeConn(fd uint32) {
	re.mu.Lock()
	delete(re.conns, fd)
	re.mu.Unlock()
	re.unlockFD(fd)
}

func (re *Reactor) metricsConnClosed() {
	re.router.metrics.ConnectionsClosed.Add(1)
}

// handleMessage routes a connection-synthesized message to the owning
// service's worker mailbox.
func (re *Reactor) handleMessage(owner uint32, m *Message) {
	m.Receiver = owner
	re.router.dispatch(m)
}

// connCount reports live connections, for worker state snapshots.
func (re *Reactor) connCount() int {
	re.mu.Lock()
	defer re.mu.Unlock()
	return len(re.conns)
}

// sweep closes connections idle past their receive timeout.
func (re *Reactor) sweep() {
	ticker := time.NewTicker(timeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-re.done:
			return
		case <-ticker.C:
			now := nowUnix()
			re.mu.Lock()
			stale := make([]*conn, 0, 4)
			for _, c := range re.conns {
				stale = append(stale, c)
			}
			re.mu.Unlock()
			for _, c := range stale {
				c.checkTimeout(now)
			}
		}
	}
}

// stop closes every listener and connection. Messages emitted during
// teardown drain with the final worker pass.
func (re *Reactor) stop() {
	re.stopOnce.Do(func() {
		close(re.done)

		re.mu.Lock()
		acceptors := make([]*acceptor, 0, len(re.acceptors))
		for _, a := range re.acceptors {
			acceptors = append(acceptors, a)
		}
		conns := make([]*conn, 0, len(re.conns))
		for _, c := range re.conns {
			conns = append(conns, c)
		}
		re.mu.Unlock()

		for _, a := range acceptors {
			a.ln.Close()
		}
		for _, c := range conns {
			c.closeSilent()
		}
	})
}
