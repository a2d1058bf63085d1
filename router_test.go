package loom

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// recorded is a copy of a delivered message, safe to inspect after
// dispatch returns.
type recorded struct {
	Sender  uint32
	Session int32
	Type    PType
	Subtype uint8
	Header  string
	Payload string
}

// collectHandler forwards every dispatched message into a channel.
type collectHandler struct {
	BaseHandler
	msgs chan recorded
}

func newCollectHandler() *collectHandler {
	return &collectHandler{msgs: make(chan recorded, 256)}
}

func (h *collectHandler) Dispatch(s *Service, m *Message) {
	h.msgs <- recorded{
		Sender:  m.Sender,
		Session: m.Session,
		Type:    m.Type,
		Subtype: m.Subtype,
		Header:  m.Header,
		Payload: string(m.Payload()),
	}
}

// hookHandler wires individual hooks to funcs, teacher-style.
type hookHandler struct {
	BaseHandler
	init     func(*Service, *ServiceConfig) error
	start    func(*Service)
	dispatch func(*Service, *Message)
	timer    func(*Service, uint32, bool)
	exit     func(*Service)
	destroy  func(*Service)
}

func (h *hookHandler) Init(s *Service, cfg *ServiceConfig) error {
	if h.init != nil {
		return h.init(s, cfg)
	}
	return nil
}

func (h *hookHandler) Start(s *Service) {
	if h.start != nil {
		h.start(s)
	}
}

func (h *hookHandler) Dispatch(s *Service, m *Message) {
	if h.dispatch != nil {
		h.dispatch(s, m)
	}
}

func (h *hookHandler) Timer(s *Service, id uint32, removed bool) {
	if h.timer != nil {
		h.timer(s, id, removed)
	}
}

func (h *hookHandler) Exit(s *Service) {
	if h.exit != nil {
		h.exit(s)
	}
}

func (h *hookHandler) Destroy(s *Service) {
	if h.destroy != nil {
		h.destroy(s)
	}
}

// startNotify announces the *Service once Start runs, so tests learn
// the assigned sid.
type startNotify struct {
	Handler
	started chan *Service
}

func (n *startNotify) Start(s *Service) {
	n.Handler.Start(s)
	n.started <- s
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(append([]Option{WithWorkers(2)}, opts...)...)
	srv.Start()
	t.Cleanup(srv.Stop)
	return srv
}

// spawn registers a factory under name and places the service on
// workerID (0 = least loaded), returning it once started.
func spawn(t *testing.T, srv *Server, name string, workerID uint32, factory HandlerFactory) *Service {
	t.Helper()
	started := make(chan *Service, 1)
	srv.Router().Register(name, func() Handler {
		return &startNotify{Handler: factory(), started: started}
	})
	srv.Router().NewService(workerID, []byte(fmt.Sprintf(`{"name":%q}`, name)), 0, 0)
	select {
	case s := <-started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("service %s did not start", name)
		return nil
	}
}

func waitRecorded(t *testing.T, ch chan recorded) recorded {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return recorded{}
	}
}

func expectQuiet(t *testing.T, ch chan recorded, d time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected message: %+v", r)
	case <-time.After(d):
	}
}

func TestEchoRequestResponse(t *testing.T) {
	srv := newTestServer(t)

	aRecv := newCollectHandler()
	a := spawn(t, srv, "requester", 1, func() Handler { return aRecv })
	b := spawn(t, srv, "echo", 2, func() Handler {
		return &hookHandler{dispatch: func(s *Service, m *Message) {
			if m.Session > 0 {
				s.Respond(m, m.Payload(), PTypeText)
			}
		}}
	})

	if workerIndex(a.ID()) != 1 || workerIndex(b.ID()) != 2 {
		t.Fatalf("placement wrong: a=%#x b=%#x", a.ID(), b.ID())
	}

	a.Send(b.ID(), []byte("hi"), "", 7, PTypeText)

	r := waitRecorded(t, aRecv.msgs)
	if r.Session != -7 {
		t.Fatalf("expected session -7, got %d", r.Session)
	}
	if r.Payload != "hi" || r.Type != PTypeText || r.Sender != b.ID() {
		t.Fatalf("unexpected response: %+v", r)
	}
}

func TestDeadReceiver(t *testing.T) {
	srv := newTestServer(t)

	aRecv := newCollectHandler()
	a := spawn(t, srv, "requester", 1, func() Handler { return aRecv })

	a.Send(makeID(2, 0x99), []byte("anyone there"), "", 5, PTypeText)

	r := waitRecorded(t, aRecv.msgs)
	if r.Session != -5 || r.Type != PTypeError {
		t.Fatalf("expected error with session -5, got %+v", r)
	}
	if !strings.Contains(r.Payload, "dead service") {
		t.Fatalf("expected dead service payload, got %q", r.Payload)
	}
}

func TestDeadReceiverWithoutSessionIsSilent(t *testing.T) {
	srv := newTestServer(t)

	aRecv := newCollectHandler()
	a := spawn(t, srv, "requester", 1, func() Handler { return aRecv })

	a.Send(makeID(2, 0x99), []byte("fire and forget"), "", 0, PTypeText)
	expectQuiet(t, aRecv.msgs, 200*time.Millisecond)
}

func TestInvalidWorkerIndexDrops(t *testing.T) {
	srv := newTestServer(t)

	aRecv := newCollectHandler()
	a := spawn(t, srv, "requester", 1, func() Handler { return aRecv })

	// Worker 40 does not exist; the message is dropped, not answered.
	a.Send(makeID(40, 1), []byte("void"), "", 3, PTypeText)
	expectQuiet(t, aRecv.msgs, 200*time.Millisecond)

	if srv.metrics.MessagesDropped.Load() == 0 {
		t.Fatal("expected a dropped-message count")
	}
}

func TestSendOrderPreserved(t *testing.T) {
	srv := newTestServer(t)

	bRecv := newCollectHandler()
	a := spawn(t, srv, "sender", 1, func() Handler { return newCollectHandler() })
	b := spawn(t, srv, "receiver", 2, func() Handler { return bRecv })

	// The header carries a sequence number; delivery must preserve it.
	const n = 500
	for i := 1; i <= n; i++ {
		a.Send(b.ID(), nil, fmt.Sprintf("%d", i), 0, PTypeText)
	}

	for seen := 1; seen <= n; seen++ {
		r := waitRecorded(t, bRecv.msgs)
		if r.Header != fmt.Sprintf("%d", seen) {
			t.Fatalf("order broken: got header %q at position %d", r.Header, seen)
		}
	}
}

func TestBroadcast(t *testing.T) {
	srv := newTestServer(t)

	mk := func() (*collectHandler, HandlerFactory) {
		c := newCollectHandler()
		return c, func() Handler {
			return &hookHandler{
				start:    func(s *Service) { s.Subscribe(PTypeDebug) },
				dispatch: c.Dispatch,
			}
		}
	}

	c1, f1 := mk()
	c2, f2 := mk()
	spawn(t, srv, "sub1", 1, f1)
	spawn(t, srv, "sub2", 2, f2)

	// A service that never subscribed sees nothing.
	c3 := newCollectHandler()
	spawn(t, srv, "nosub", 1, func() Handler { return c3 })

	srv.Router().Broadcast(0, []byte("announce"), "hdr", PTypeDebug)

	for i, c := range []*collectHandler{c1, c2} {
		r := waitRecorded(t, c.msgs)
		if r.Payload != "announce" || r.Type != PTypeDebug || r.Header != "hdr" {
			t.Fatalf("subscriber %d got %+v", i+1, r)
		}
	}
	expectQuiet(t, c1.msgs, 100*time.Millisecond)
	expectQuiet(t, c3.msgs, 100*time.Millisecond)
}

func TestUniqueNameConflict(t *testing.T) {
	srv := newTestServer(t)

	driverRecv := newCollectHandler()
	driver := spawn(t, srv, "driver", 1, func() Handler { return driverRecv })

	started := make(chan *Service, 1)
	srv.Router().Register("singleton", func() Handler {
		return &startNotify{Handler: &BaseHandler{}, started: started}
	})

	cfg := []byte(`{"name":"singleton","unique":true}`)
	srv.Router().NewService(1, cfg, driver.ID(), 3)

	first := waitRecorded(t, driverRecv.msgs)
	if first.Type != PTypeText || first.Session != -3 {
		t.Fatalf("first spawn should succeed: %+v", first)
	}
	s := <-started
	if got := srv.Router().GetUniqueService("singleton"); got != s.ID() {
		t.Fatalf("registry holds %#x, want %#x", got, s.ID())
	}

	before := srv.Router().ServiceCount()
	srv.Router().NewService(2, cfg, driver.ID(), 4)

	second := waitRecorded(t, driverRecv.msgs)
	if second.Type != PTypeError || second.Session != -4 {
		t.Fatalf("second spawn should fail via session: %+v", second)
	}
	if !strings.Contains(second.Payload, "unique name conflict") {
		t.Fatalf("unexpected error payload %q", second.Payload)
	}
	if srv.Router().ServiceCount() != before {
		t.Fatal("failed spawn leaked a slot")
	}
}

func TestServiceInitFailure(t *testing.T) {
	srv := newTestServer(t)

	driverRecv := newCollectHandler()
	driver := spawn(t, srv, "driver", 1, func() Handler { return driverRecv })

	srv.Router().Register("broken", func() Handler {
		return &hookHandler{init: func(*Service, *ServiceConfig) error {
			return fmt.Errorf("no config")
		}}
	})

	before := srv.Router().ServiceCount()
	srv.Router().NewService(0, []byte(`{"name":"broken"}`), driver.ID(), 8)

	r := waitRecorded(t, driverRecv.msgs)
	if r.Type != PTypeError || r.Session != -8 {
		t.Fatalf("expected init failure via session: %+v", r)
	}
	if !strings.Contains(r.Payload, "init failed") {
		t.Fatalf("unexpected payload %q", r.Payload)
	}
	if srv.Router().ServiceCount() != before {
		t.Fatal("failed init leaked a slot")
	}
}

func TestConfigParseFailure(t *testing.T) {
	srv := newTestServer(t)

	driverRecv := newCollectHandler()
	driver := spawn(t, srv, "driver", 1, func() Handler { return driverRecv })

	srv.Router().NewService(0, []byte(`{"no-name":tru`), driver.ID(), 2)

	r := waitRecorded(t, driverRecv.msgs)
	if r.Type != PTypeError || r.Session != -2 {
		t.Fatalf("expected parse failure via session: %+v", r)
	}
	if !strings.Contains(r.Payload, "config parse") {
		t.Fatalf("unexpected payload %q", r.Payload)
	}
}

func TestRemoveServiceStopsDispatch(t *testing.T) {
	srv := newTestServer(t)

	driverRecv := newCollectHandler()
	driver := spawn(t, srv, "driver", 1, func() Handler { return driverRecv })

	victimRecv := newCollectHandler()
	destroyed := make(chan struct{})
	victim := spawn(t, srv, "victim", 2, func() Handler {
		return &hookHandler{
			dispatch: victimRecv.Dispatch,
			destroy:  func(*Service) { close(destroyed) },
		}
	})

	srv.Router().RemoveService(victim.ID(), driver.ID(), 9)

	ack := waitRecorded(t, driverRecv.msgs)
	if ack.Session != -9 || ack.Payload != "ok" {
		t.Fatalf("unexpected removal ack: %+v", ack)
	}
	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy hook never ran")
	}

	// Invariant: after removal returns, no further hooks run.
	driver.Send(victim.ID(), []byte("late"), "", 3, PTypeText)
	r := waitRecorded(t, driverRecv.msgs)
	if r.Type != PTypeError || r.Session != -3 || !strings.Contains(r.Payload, "dead service") {
		t.Fatalf("expected dead service, got %+v", r)
	}
	expectQuiet(t, victimRecv.msgs, 200*time.Millisecond)
}

func TestRuncmd(t *testing.T) {
	srv := newTestServer(t)

	recv := newCollectHandler()
	driver := spawn(t, srv, "driver", 1, func() Handler { return recv })

	srv.Router().Runcmd("service_count", driver.ID(), 11)
	r := waitRecorded(t, recv.msgs)
	if r.Session != -11 || r.Payload != "1" {
		t.Fatalf("service_count: %+v", r)
	}

	srv.Router().Runcmd("wstate", driver.ID(), 12)
	r = waitRecorded(t, recv.msgs)
	var states []WorkerState
	if err := json.Unmarshal([]byte(r.Payload), &states); err != nil {
		t.Fatalf("wstate payload %q: %v", r.Payload, err)
	}
	if len(states) != 2 || states[0].ID != 1 || states[1].ID != 2 {
		t.Fatalf("unexpected wstate %+v", states)
	}

	srv.Router().Runcmd("set_loglevel debug", driver.ID(), 13)
	r = waitRecorded(t, recv.msgs)
	if r.Payload != "ok" {
		t.Fatalf("set_loglevel: %+v", r)
	}
	srv.Router().Runcmd("set_loglevel info", driver.ID(), 0)

	srv.Router().Runcmd("uptime", driver.ID(), 14)
	r = waitRecorded(t, recv.msgs)
	if r.Session != -14 || r.Payload == "" {
		t.Fatalf("uptime: %+v", r)
	}

	srv.Router().Runcmd("frobnicate", driver.ID(), 15)
	r = waitRecorded(t, recv.msgs)
	if r.Type != PTypeError || !strings.Contains(r.Payload, "unknown command") {
		t.Fatalf("unknown command: %+v", r)
	}
}

func TestEnvMap(t *testing.T) {
	srv := newTestServer(t, WithEnv(map[string]string{"PATH": "/srv/scripts/?.lua;"}))

	s := spawn(t, srv, "svc", 1, func() Handler { return newCollectHandler() })

	if got := s.GetEnv("PATH"); got != "/srv/scripts/?.lua;" {
		t.Fatalf("seeded env missing: %q", got)
	}
	s.SetEnv("mode", "test")
	if got := srv.Router().GetEnv("mode"); got != "test" {
		t.Fatalf("env write lost: %q", got)
	}
}

func TestSearchPathsPickUpEnv(t *testing.T) {
	srv := newTestServer(t, WithEnv(map[string]string{
		"PATH":  "/global/?.lua;",
		"CPATH": "/global/?.so;",
	}))

	started := make(chan *Service, 1)
	srv.Router().Register("pathy", func() Handler {
		return &startNotify{Handler: &BaseHandler{}, started: started}
	})
	srv.Router().NewService(1, []byte(`{"name":"pathy","path":"/local/?.lua;","cpath":"/local/?.so;"}`), 0, 0)

	s := <-started
	if s.SearchPath() != "/local/?.lua;/global/?.lua;" {
		t.Fatalf("search path %q", s.SearchPath())
	}
	if s.CSearchPath() != "/local/?.so;/global/?.so;" {
		t.Fatalf("csearch path %q", s.CSearchPath())
	}
}
