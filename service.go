package loom

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

var ErrMemoryLimit = errors.New("service memory limit exceeded")

// Handler is the hook set a service implementation provides. All hooks
// run on the owning worker's goroutine, one at a time.
//
// Init runs before the service is reachable; returning an error frees
// the slot and surfaces the failure to the requester. Start runs after
// a successful Init, before the first Dispatch. Exit runs when the
// service quits voluntarily; Destroy always runs last.
type Handler interface {
	Init(s *Service, cfg *ServiceConfig) error
	Start(s *Service)
	Dispatch(s *Service, m *Message)
	Timer(s *Service, id uint32, removed bool)
	Exit(s *Service)
	Destroy(s *Service)
}

// HandlerFactory creates a handler instance per service.
type HandlerFactory func() Handler

// BaseHandler is a no-op Handler for embedding; implementations
// override the hooks they care about.
type BaseHandler struct{}

func (BaseHandler) Init(*Service, *ServiceConfig) error { return nil }
func (BaseHandler) Start(*Service)                      {}
func (BaseHandler) Dispatch(*Service, *Message)         {}
func (BaseHandler) Timer(*Service, uint32, bool)        {}
func (BaseHandler) Exit(*Service)                       {}
func (BaseHandler) Destroy(*Service)                    {}

// Service is the addressable unit of execution: an identity, a worker,
// and a handler whose hooks are serialized on that worker.
type Service struct {
	id      uint32
	name    string
	unique  bool
	worker  *Worker
	router  *Router
	handler Handler

	// searchPath / csearchPath carry module search strings assembled
	// from the service config plus the PATH/CPATH environment.
	searchPath  string
	csearchPath string

	// subs is the broadcast type-subscription bitmask.
	subs atomic.Uint32

	quitting bool

	mem      int64
	memWarn  int64
	memLimit int64
}

func (s *Service) ID() uint32     { return s.id }
func (s *Service) Name() string   { return s.name }
func (s *Service) IsUnique() bool { return s.unique }

// SearchPath returns the module search string assembled at init.
func (s *Service) SearchPath() string { return s.searchPath }

// CSearchPath returns the native module search string.
func (s *Service) CSearchPath() string { return s.csearchPath }

// Subscribe adds a message type to the service's broadcast interests.
func (s *Service) Subscribe(t PType) {
	for {
		old := s.subs.Load()
		if s.subs.CompareAndSwap(old, old|1<<uint(t)) {
			return
		}
	}
}

func (s *Service) subscribed(t PType) bool {
	return s.subs.Load()&(1<<uint(t)) != 0
}

// Send routes an asynchronous message. Session 0 means no reply is
// expected; a positive session asks the receiver to respond with the
// same value negated.
func (s *Service) Send(receiver uint32, data []byte, header string, session int32, t PType) {
	m := NewMessage(len(data))
	m.Data.WriteBack(data)
	m.Sender = s.id
	m.Receiver = receiver
	m.Header = header
	m.Session = session
	m.Type = t
	s.router.dispatch(m)
}

// Respond answers a request message: same payload channel back to the
// sender, session negated.
func (s *Service) Respond(req *Message, data []byte, t PType) {
	m := NewMessage(len(data))
	m.Data.WriteBack(data)
	m.Sender = s.id
	m.Receiver = req.Sender
	m.Session = -req.Session
	m.Type = t
	s.router.dispatch(m)
}

// Repeat registers a timer on the owning worker. The Timer hook fires
// on this worker, serialized with Dispatch.
func (s *Service) Repeat(intervalMs int64, times int32) uint32 {
	return s.worker.wheel.Repeat(intervalMs, times, s.id)
}

// RemoveTimer cancels a timer. Best-effort: a firing already in the
// current tick still arrives, flagged removed.
func (s *Service) RemoveTimer(id uint32) bool {
	return s.worker.wheel.Remove(id)
}

// Quit removes the service after the current dispatch completes. The
// Exit hook runs, then Destroy.
func (s *Service) Quit() {
	if s.quitting {
		return
	}
	s.quitting = true
	s.handler.Exit(s)
	s.worker.post(func() {
		s.worker.removeService(s.id, 0, 0)
	})
}

// Error reports a service fault. A faulting unique service takes the
// whole server down: critical singletons fail stop.
func (s *Service) Error(msg string, initialized bool) {
	slog.Error("service error", "service", s.name, "id", s.id, "initialized", initialized, "error", msg)
	if s.unique {
		slog.Error("unique service failed, aborting server", "service", s.name)
		s.router.server.Abort()
	}
}

// GetEnv reads the process-wide environment map.
func (s *Service) GetEnv(name string) string { return s.router.GetEnv(name) }

// SetEnv writes the process-wide environment map.
func (s *Service) SetEnv(name, value string) { s.router.SetEnv(name, value) }

// NewBuffer allocates a payload buffer charged against the service's
// memory budget. Past the warning watermark a log line is emitted and
// the watermark doubles; past the hard limit the allocation fails.
func (s *Service) NewBuffer(capacity int) (*Buffer, error) {
	next := s.mem + int64(capacity)
	if s.memLimit > 0 && next > s.memLimit {
		slog.Error("memory limit", "service", s.name,
			"current", s.mem, "limit", s.memLimit)
		return nil, ErrMemoryLimit
	}
	s.mem = next
	if s.memWarn > 0 && s.mem > s.memWarn {
		slog.Warn("memory warning", "service", s.name, "current", s.mem)
		s.memWarn *= 2
	}
	return NewBuffer(capacity, defaultHeadReserve), nil
}

// --- socket operations ---
//
// Every fd encodes its owning worker, so operations route to the right
// reactor regardless of which worker the calling service lives on.

// Listen opens a listener on this service's worker.
func (s *Service) Listen(host string, port uint16, t PType) uint32 {
	return s.worker.reactor.Listen(host, port, s.id, t)
}

// ListenAddr resolves the bound address of a listen fd.
func (s *Service) ListenAddr(fd uint32) string {
	re := s.router.reactorOf(fd)
	if re == nil {
		return ""
	}
	return re.ListenAddr(fd)
}

// Accept starts accepting on a listen fd. session 0 keeps accepting;
// a positive session performs one accept and responds with the new fd.
func (s *Service) Accept(listenFd uint32, session int32) {
	re := s.router.reactorOf(listenFd)
	if re == nil {
		s.router.respond(s.id, listenFd, "accept: invalid listen fd", "error", -session, PTypeError)
		return
	}
	re.Accept(listenFd, session, s.id)
}

// Connect dials host:port. The connection is created on this
// service's worker.
func (s *Service) Connect(host string, port uint16, t PType, session int32, timeoutMs int64) uint32 {
	return s.worker.reactor.Connect(host, port, s.id, t, session, timeoutMs)
}

// Read queues a read request on a text connection.
func (s *Service) Read(fd uint32, mode ReadMode, session int32) {
	re := s.router.reactorOf(fd)
	if re == nil {
		s.router.respond(s.id, fd, "read an invalid socket", "closed", -session, PTypeError)
		return
	}
	re.Read(fd, s.id, mode, session)
}

// Write enqueues a buffer; ownership of b transfers.
func (s *Service) Write(fd uint32, b *Buffer) bool {
	re := s.router.reactorOf(fd)
	if re == nil {
		return false
	}
	return re.Write(fd, b)
}

// WriteWithFlag enqueues a buffer with extra flags set (framing,
// close-after-send, WebSocket text).
func (s *Service) WriteWithFlag(fd uint32, b *Buffer, flags BufferFlag) bool {
	re := s.router.reactorOf(fd)
	if re == nil {
		return false
	}
	return re.WriteWithFlag(fd, b, flags)
}

// CloseFd closes a connection or listener owned by any worker.
func (s *Service) CloseFd(fd uint32) bool {
	re := s.router.reactorOf(fd)
	if re == nil {
		return false
	}
	return re.Close(fd)
}

// SetTimeout arms the receive timeout on a connection, in seconds.
func (s *Service) SetTimeout(fd uint32, seconds int64) bool {
	re := s.router.reactorOf(fd)
	if re == nil {
		return false
	}
	return re.SetTimeout(fd, seconds)
}

// SetNodelay disables Nagle on a connection.
func (s *Service) SetNodelay(fd uint32) bool {
	re := s.router.reactorOf(fd)
	if re == nil {
		return false
	}
	return re.SetNodelay(fd)
}

// SetEnableFrame adjusts per-direction framing on a frame connection.
func (s *Service) SetEnableFrame(fd uint32, flag string) bool {
	re := s.router.reactorOf(fd)
	if re == nil {
		return false
	}
	return re.SetEnableFrame(fd, flag)
}

// MakePrefab caches a buffer for repeated zero-copy sends.
func (s *Service) MakePrefab(b *Buffer) uint32 {
	return s.worker.makePrefab(b)
}

// SendPrefab sends a cached buffer without copying its payload.
func (s *Service) SendPrefab(receiver uint32, prefabID uint32, header string, session int32, t PType) bool {
	return s.router.sendPrefab(s.id, receiver, prefabID, header, session, t)
}

// --- worker-side dispatch helpers ---

func (s *Service) dispatchMsg(m *Message) {
	defer s.recoverHook("dispatch")
	s.handler.Dispatch(s, m)
}

func (s *Service) dispatchTimer(id uint32, removed bool) {
	defer s.recoverHook("timer")
	s.handler.Timer(s, id, removed)
}

func (s *Service) recoverHook(hook string) {
	if r := recover(); r != nil {
		debug.PrintStack()
		s.Error(fmt.Sprintf("panic in %s: %v", hook, r), true)
	}
}
