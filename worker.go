package loom

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// workerTick is the cooperative loop period: mailbox drain, command
// execution and timer advancement all happen at least this often.
const workerTick = 5 * time.Millisecond

// drainYield is how many messages are dispatched before the loop
// yields to the runtime, so a flooded mailbox cannot starve I/O.
const drainYield = 128

// Worker owns a set of services, their mailbox, their timers and a
// reactor. Everything that touches the service table runs on the
// worker's own goroutine: external callers post closures.
type Worker struct {
	id     uint16
	router *Router
	server *Server

	mailbox *Mailbox
	wheel   *TimerWheel
	reactor *Reactor

	commands chan func()

	// services and seq are touched only on the worker goroutine.
	services map[uint32]*Service
	seq      uint16

	count atomic.Int32

	prefabMu  sync.Mutex
	prefabs   map[uint32]*prefab
	prefabSeq uint16

	batch   []*Message
	done    chan struct{}
	stopped chan struct{}
}

type prefab struct {
	buf   *Buffer
	refs  int32
	dying bool
}

func newWorker(id uint16, server *Server, router *Router, cfg *config) *Worker {
	w := &Worker{
		id:       id,
		router:   router,
		server:   server,
		mailbox:  NewMailbox(),
		commands: make(chan func(), 256),
		services: make(map[uint32]*Service),
		prefabs:  make(map[uint32]*prefab),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	w.wheel = NewTimerWheel(int64(workerTick/time.Millisecond), server.NowMs(true), w.fireTimer)
	w.reactor = newReactor(w, router, cfg)
	return w
}

// run is the worker loop. One goroutine per worker; user callbacks run
// to completion here and are never preempted by the core.
func (w *Worker) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			w.finalize()
			return
		case fn := <-w.commands:
			fn()
		case <-w.mailbox.Wake():
		case <-ticker.C:
		}

		w.drainCommands()
		w.drainMailbox()
		w.wheel.Advance(w.server.NowMs(false))
	}
}

func (w *Worker) drainCommands() {
	for {
		select {
		case fn := <-w.commands:
			fn()
		default:
			return
		}
	}
}

func (w *Worker) drainMailbox() {
	w.batch = w.mailbox.DrainInto(w.batch[:0])
	for i, m := range w.batch {
		w.deliver(m)
		w.batch[i] = nil
		if (i+1)%drainYield == 0 {
			runtime.Gosched()
		}
	}
}

// deliver hands one message to its target service. Receiver 0 marks a
// broadcast: every local service subscribed to the type sees it, and
// must treat the shared payload as read-only.
func (w *Worker) deliver(m *Message) {
	if m.prefab != 0 {
		defer w.router.releasePrefab(m.prefab)
	}

	if m.Receiver == 0 {
		for _, s := range w.services {
			if !s.quitting && s.subscribed(m.Type) {
				s.dispatchMsg(m)
			}
		}
		return
	}

	s := w.services[m.Receiver]
	if s == nil || s.quitting {
		w.router.metrics.DeadServiceErrors.Add(1)
		if m.Session > 0 {
			w.router.respond(m.Sender, m.Receiver, "dead service", "error", -m.Session, PTypeError)
		} else {
			slog.Debug("message to dead service", "receiver", m.Receiver, "type", m.Type.String())
		}
		return
	}
	s.dispatchMsg(m)
}

func (w *Worker) fireTimer(owner uint32, id uint32, removed bool) {
	s := w.services[owner]
	if s == nil || s.quitting {
		// Owner went away; drop the timer with it.
		if !removed {
			w.wheel.Remove(id)
		}
		return
	}
	w.router.metrics.TimersFired.Add(1)
	s.dispatchTimer(id, removed)
}

// post schedules fn on the worker goroutine.
func (w *Worker) post(fn func()) {
	select {
	case w.commands <- fn:
	case <-w.done:
	}
}

// newService allocates a slot, constructs the service and runs
// Init/Start. Runs on the worker goroutine.
func (w *Worker) newService(cfg *ServiceConfig, sender uint32, session int32) {
	fail := func(msg string) {
		slog.Error("new service failed", "name", cfg.Name, "error", msg)
		w.router.respond(sender, 0, msg, "error", -session, PTypeError)
	}

	factory := w.router.factory(cfg.handlerName())
	if factory == nil {
		fail("new service: unknown handler " + cfg.handlerName())
		return
	}

	sid, ok := w.allocSlot()
	if !ok {
		fail("new service: worker slot table full")
		return
	}

	s := &Service{
		id:       sid,
		name:     cfg.Name,
		unique:   cfg.Unique,
		worker:   w,
		router:   w.router,
		handler:  factory(),
		memLimit: cfg.MemLimit,
		memWarn:  cfg.MemLimit / 2,
	}
	s.searchPath = cfg.Path + w.router.GetEnv("PATH")
	s.csearchPath = cfg.CPath + w.router.GetEnv("CPATH")

	if cfg.Unique {
		if !w.router.SetUniqueService(cfg.Name, sid) {
			fail("unique name conflict: " + cfg.Name)
			return
		}
	}

	if err := s.handler.Init(s, cfg); err != nil {
		if cfg.Unique {
			w.router.removeUniqueService(cfg.Name, sid)
		}
		fail("service init failed: " + err.Error())
		return
	}

	w.services[sid] = s
	w.count.Add(1)
	w.router.metrics.ServicesSpawned.Add(1)

	s.handler.Start(s)
	slog.Info("service started", "name", s.name, "id", s.id, "worker", w.id)

	w.router.respond(sender, sid, idString(sid), "", -session, PTypeText)
}

// allocSlot picks the next free low-16-bit slot. A sid is never reused
// while its service is alive.
func (w *Worker) allocSlot() (uint32, bool) {
	for tries := 0; tries <= counterMask; tries++ {
		w.seq++
		if w.seq == 0 {
			w.seq = 1
		}
		sid := makeID(w.id, w.seq)
		if _, taken := w.services[sid]; !taken {
			return sid, true
		}
	}
	return 0, false
}

// removeService destroys a service and frees its slot. Runs on the
// worker goroutine, so it never overlaps a dispatch of the same
// service.
func (w *Worker) removeService(sid uint32, sender uint32, session int32) {
	s := w.services[sid]
	if s == nil {
		w.router.respond(sender, sid, "remove_service: not found", "error", -session, PTypeError)
		return
	}

	delete(w.services, sid)
	w.count.Add(-1)
	w.router.metrics.ServicesRemoved.Add(1)

	s.handler.Destroy(s)
	if s.unique {
		w.router.removeUniqueService(s.name, sid)
	}
	slog.Info("service removed", "name", s.name, "id", s.id)

	w.router.respond(sender, sid, "ok", "", -session, PTypeText)
}

// finalize is the worker's shutdown pass: one last mailbox drain, then
// Destroy on every remaining service.
func (w *Worker) finalize() {
	w.reactor.stop()
	w.drainCommands()
	w.drainMailbox()

	for sid, s := range w.services {
		delete(w.services, sid)
		s.handler.Destroy(s)
	}
	w.count.Store(0)
}

// --- prefabs ---

// makePrefab caches a buffer for repeated sends. The buffer becomes
// read-only once cached.
func (w *Worker) makePrefab(b *Buffer) uint32 {
	w.prefabMu.Lock()
	defer w.prefabMu.Unlock()

	for {
		w.prefabSeq++
		if w.prefabSeq == 0 {
			w.prefabSeq = 1
		}
		id := makeID(w.id, w.prefabSeq)
		if _, taken := w.prefabs[id]; !taken {
			w.prefabs[id] = &prefab{buf: b}
			return id
		}
	}
}

// prefabMessage builds a message sharing the cached payload and takes
// a reference, released by the receiving worker after dispatch.
func (w *Worker) prefabMessage(id uint32) (*Message, bool) {
	w.prefabMu.Lock()
	defer w.prefabMu.Unlock()

	p := w.prefabs[id]
	if p == nil || p.dying {
		return nil, false
	}
	p.refs++

	shared := *p.buf
	return &Message{Data: &shared, prefab: id}, true
}

func (w *Worker) releasePrefab(id uint32) {
	w.prefabMu.Lock()
	defer w.prefabMu.Unlock()

	p := w.prefabs[id]
	if p == nil {
		return
	}
	p.refs--
	if p.dying && p.refs <= 0 {
		delete(w.prefabs, id)
	}
}

// removePrefab marks a prefab for deletion once in-flight sends drain.
func (w *Worker) removePrefab(id uint32) {
	w.prefabMu.Lock()
	defer w.prefabMu.Unlock()

	p := w.prefabs[id]
	if p == nil {
		return
	}
	p.dying = true
	if p.refs <= 0 {
		delete(w.prefabs, id)
	}
}

// --- state snapshot ---

// WorkerState is one row of the wstate admin snapshot.
type WorkerState struct {
	ID          uint16 `json:"id"`
	Services    int32  `json:"services"`
	MailboxLen  int    `json:"mailbox_len"`
	Connections int    `json:"connections"`
	Timers      int    `json:"timers"`
}

func (w *Worker) state() WorkerState {
	return WorkerState{
		ID:          w.id,
		Services:    w.count.Load(),
		MailboxLen:  w.mailbox.Len(),
		Connections: w.reactor.connCount(),
		Timers:      w.wheel.Pending(),
	}
}
