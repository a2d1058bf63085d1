package loom

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Router is the global directory: it decodes receiver ids to workers,
// keeps the unique-name registry and the environment map, and fans
// out broadcasts. It never inspects message payloads.
//
// workers is built before any worker starts and read-only afterwards;
// the name and env maps take a reader-writer lock, writes being rare.
type Router struct {
	server  *Server
	workers []*Worker
	metrics *Metrics

	factories sync.Map // map[string]HandlerFactory

	nameMu sync.RWMutex
	names  map[string]uint32

	envMu sync.RWMutex
	env   map[string]string
}

func newRouter(server *Server, metrics *Metrics) *Router {
	return &Router{
		server:  server,
		metrics: metrics,
		names:   make(map[string]uint32),
		env:     make(map[string]string),
	}
}

// Register makes a handler factory available to service configs under
// the given name. Call before the server starts.
func (r *Router) Register(name string, factory HandlerFactory) {
	r.factories.Store(name, factory)
}

func (r *Router) factory(name string) HandlerFactory {
	v, ok := r.factories.Load(name)
	if !ok {
		return nil
	}
	return v.(HandlerFactory)
}

// workerOf resolves the worker that owns an id, nil when the worker
// index is out of range.
func (r *Router) workerOf(id uint32) *Worker {
	idx := workerIndex(id)
	if idx == 0 || int(idx) > len(r.workers) {
		return nil
	}
	return r.workers[idx-1]
}

// reactorOf resolves the reactor that owns an fd.
func (r *Router) reactorOf(fd uint32) *Reactor {
	w := r.workerOf(fd)
	if w == nil {
		return nil
	}
	return w.reactor
}

// dispatch routes a built message to its receiver's worker mailbox.
// Ownership of m transfers. An invalid worker index drops the message.
func (r *Router) dispatch(m *Message) {
	w := r.workerOf(m.Receiver)
	if w == nil {
		r.metrics.MessagesDropped.Add(1)
		slog.Warn("message to invalid worker", "receiver", m.Receiver, "sender", m.Sender)
		return
	}
	r.metrics.MessagesRouted.Add(1)
	w.mailbox.PushBack(m)
}

// Send builds and routes a message. Sends require session >= 0; a
// negative session is treated as an already-negated response and
// never generates a further reply.
func (r *Router) Send(sender, receiver uint32, data []byte, header string, session int32, t PType) {
	m := NewMessage(len(data))
	m.Data.WriteBack(data)
	m.Sender = sender
	m.Receiver = receiver
	m.Header = header
	m.Session = session
	m.Type = t
	r.dispatch(m)
}

// respond delivers a session-correlated reply. No-op for session 0,
// matching the convention that only requests expect replies. Callers
// pass the session already negated for error replies.
func (r *Router) respond(to uint32, sender uint32, data string, header string, session int32, t PType) {
	if session == 0 {
		return
	}
	m := NewMessage(len(data))
	m.WriteString(data)
	m.Sender = sender
	m.Receiver = to
	m.Header = header
	m.Session = session
	m.Type = t
	r.dispatch(m)
}

// Broadcast enqueues the payload to every worker; each fans out to its
// services subscribed to t. Subscribers share the payload bytes and
// must treat them as read-only. Delivery order relative to
// point-to-point traffic is unspecified.
func (r *Router) Broadcast(sender uint32, data []byte, header string, t PType) {
	for _, w := range r.workers {
		m := &Message{
			Sender: sender,
			Header: header,
			Type:   t,
			Data:   &Buffer{data: data, wpos: len(data)},
		}
		r.metrics.MessagesRouted.Add(1)
		w.mailbox.PushBack(m)
	}
}

// addConnection places an established socket on the worker that owns
// the given service and returns the new fd.
func (r *Router) addConnection(owner uint32, t PType, sock net.Conn, accepted bool) uint32 {
	w := r.workerOf(owner)
	if w == nil {
		slog.Warn("connection for invalid owner", "owner", owner)
		sock.Close()
		return 0
	}
	return w.reactor.attach(owner, t, sock, accepted)
}

// NewService parses a JSON service config and spawns the service.
// workerID 0 picks the least-loaded worker; a non-zero id forces
// placement. The new sid (or the failure) comes back through session.
func (r *Router) NewService(workerID uint32, rawConfig []byte, sender uint32, session int32) {
	cfg, err := ParseServiceConfig(rawConfig)
	if err != nil {
		slog.Error("service config parse failed", "error", err)
		r.respond(sender, 0, "config parse: "+err.Error(), "error", -session, PTypeError)
		return
	}
	if cfg.Threadid != 0 {
		workerID = cfg.Threadid
	}

	var w *Worker
	if workerID != 0 {
		if int(workerID) > len(r.workers) {
			r.respond(sender, 0, fmt.Sprintf("new service: invalid worker %d", workerID), "error", -session, PTypeError)
			return
		}
		w = r.workers[workerID-1]
	} else {
		w = r.leastLoaded()
	}

	w.post(func() { w.newService(cfg, sender, session) })
}

// leastLoaded picks the worker with the fewest services, breaking ties
// round-robin so bursts of spawns spread out.
func (r *Router) leastLoaded() *Worker {
	start := int(r.server.nextWorker()) % len(r.workers)
	best := r.workers[start]
	bestLoad := best.count.Load()
	for i := 1; i < len(r.workers); i++ {
		w := r.workers[(start+i)%len(r.workers)]
		if load := w.count.Load(); load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best
}

// RemoveService tears a service down. The requester is answered
// through session once the slot is freed.
func (r *Router) RemoveService(sid uint32, sender uint32, session int32) {
	w := r.workerOf(sid)
	if w == nil {
		r.respond(sender, sid, "remove_service: invalid service id", "error", -session, PTypeError)
		return
	}
	w.post(func() { w.removeService(sid, sender, session) })
}

// sendPrefab routes a cached buffer without copying. The prefab id
// encodes the caching worker.
func (r *Router) sendPrefab(sender, receiver uint32, prefabID uint32, header string, session int32, t PType) bool {
	w := r.workerOf(prefabID)
	if w == nil {
		return false
	}
	m, ok := w.prefabMessage(prefabID)
	if !ok {
		return false
	}
	m.Sender = sender
	m.Receiver = receiver
	m.Header = header
	m.Session = session
	m.Type = t
	r.dispatch(m)
	return true
}

func (r *Router) releasePrefab(id uint32) {
	if w := r.workerOf(id); w != nil {
		w.releasePrefab(id)
	}
}

// --- unique-name registry ---

// GetUniqueService resolves a unique name, 0 when unknown.
func (r *Router) GetUniqueService(name string) uint32 {
	r.nameMu.RLock()
	defer r.nameMu.RUnlock()
	return r.names[name]
}

// SetUniqueService claims a unique name. It reports false when the
// name is already taken.
func (r *Router) SetUniqueService(name string, sid uint32) bool {
	r.nameMu.Lock()
	defer r.nameMu.Unlock()
	if _, exists := r.names[name]; exists {
		return false
	}
	r.names[name] = sid
	return true
}

func (r *Router) removeUniqueService(name string, sid uint32) {
	r.nameMu.Lock()
	defer r.nameMu.Unlock()
	if r.names[name] == sid {
		delete(r.names, name)
	}
}

// --- environment map ---

func (r *Router) GetEnv(name string) string {
	r.envMu.RLock()
	defer r.envMu.RUnlock()
	return r.env[name]
}

func (r *Router) SetEnv(name, value string) {
	r.envMu.Lock()
	r.env[name] = value
	r.envMu.Unlock()
}

// ServiceCount totals live services across workers.
func (r *Router) ServiceCount() int32 {
	var n int32
	for _, w := range r.workers {
		n += w.count.Load()
	}
	return n
}

// WorkerStates snapshots every worker for admin surfaces.
func (r *Router) WorkerStates() []WorkerState {
	states := make([]WorkerState, 0, len(r.workers))
	for _, w := range r.workers {
		states = append(states, w.state())
	}
	return states
}

// Runcmd executes an administrative command; the result (or error)
// returns through the sender's session.
//
// Commands: wstate, service_count, set_loglevel <level>, uptime, abort.
func (r *Router) Runcmd(cmd string, sender uint32, session int32) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		r.respond(sender, 0, "runcmd: empty command", "error", -session, PTypeError)
		return
	}

	switch fields[0] {
	case "wstate":
		out, err := json.Marshal(r.WorkerStates())
		if err != nil {
			r.respond(sender, 0, "runcmd: "+err.Error(), "error", -session, PTypeError)
			return
		}
		r.respond(sender, 0, string(out), "", -session, PTypeText)

	case "service_count":
		r.respond(sender, 0, strconv.FormatInt(int64(r.ServiceCount()), 10), "", -session, PTypeText)

	case "set_loglevel":
		if len(fields) < 2 {
			r.respond(sender, 0, "runcmd: set_loglevel needs a level", "error", -session, PTypeError)
			return
		}
		if err := SetLogLevel(fields[1]); err != nil {
			r.respond(sender, 0, "runcmd: "+err.Error(), "error", -session, PTypeError)
			return
		}
		r.respond(sender, 0, "ok", "", -session, PTypeText)

	case "uptime":
		r.respond(sender, 0, strconv.FormatInt(r.server.UptimeMs(), 10), "", -session, PTypeText)

	case "abort":
		r.respond(sender, 0, "ok", "", -session, PTypeText)
		r.server.Abort()

	default:
		r.respond(sender, 0, "runcmd: unknown command "+fields[0], "error", -session, PTypeError)
	}
}
