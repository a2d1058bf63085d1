package loom

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type timerEvent struct {
	id      uint32
	removed bool
}

func TestServiceTimerFiresAndCompletes(t *testing.T) {
	srv := newTestServer(t)

	events := make(chan timerEvent, 16)
	s := spawn(t, srv, "ticker", 1, func() Handler {
		return &hookHandler{timer: func(_ *Service, id uint32, removed bool) {
			events <- timerEvent{id, removed}
		}}
	})

	id := s.Repeat(30, 3)
	if id == 0 {
		t.Fatal("expected non-zero timer id")
	}

	var got []timerEvent
	deadline := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out after %d firings", len(got))
		}
	}

	for i, e := range got {
		if e.id != id {
			t.Fatalf("firing %d has id %d, want %d", i, e.id, id)
		}
		if e.removed != (i == 2) {
			t.Fatalf("firing %d removed=%v", i, e.removed)
		}
	}

	select {
	case e := <-events:
		t.Fatalf("timer fired past its repeat count: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceRemoveTimer(t *testing.T) {
	srv := newTestServer(t)

	var fired atomic.Int32
	s := spawn(t, srv, "ticker", 1, func() Handler {
		return &hookHandler{timer: func(_ *Service, _ uint32, _ bool) {
			fired.Add(1)
		}}
	})

	id := s.Repeat(100, TimerInfinite)
	if !s.RemoveTimer(id) {
		t.Fatal("remove failed")
	}

	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled timer fired %d times", fired.Load())
	}
}

func TestServiceQuit(t *testing.T) {
	srv := newTestServer(t)

	hooks := make(chan string, 8)
	recv := newCollectHandler()
	driver := spawn(t, srv, "driver", 1, func() Handler { return recv })

	s := spawn(t, srv, "quitter", 2, func() Handler {
		return &hookHandler{
			dispatch: func(sv *Service, m *Message) {
				if string(m.Payload()) == "stop" {
					sv.Quit()
				}
			},
			exit:    func(*Service) { hooks <- "exit" },
			destroy: func(*Service) { hooks <- "destroy" },
		}
	})

	driver.Send(s.ID(), []byte("stop"), "", 0, PTypeText)

	for _, want := range []string{"exit", "destroy"} {
		select {
		case h := <-hooks:
			if h != want {
				t.Fatalf("hook order: got %q, want %q", h, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("hook %q never ran", want)
		}
	}

	driver.Send(s.ID(), []byte("again"), "", 6, PTypeText)
	r := waitRecorded(t, recv.msgs)
	if r.Type != PTypeError || !strings.Contains(r.Payload, "dead service") {
		t.Fatalf("expected dead service after quit, got %+v", r)
	}
}

func TestPrefabSharedAcrossSends(t *testing.T) {
	srv := newTestServer(t)

	c1 := newCollectHandler()
	c2 := newCollectHandler()
	sender := spawn(t, srv, "caster", 1, func() Handler { return newCollectHandler() })
	r1 := spawn(t, srv, "recv1", 1, func() Handler { return c1 })
	r2 := spawn(t, srv, "recv2", 2, func() Handler { return c2 })

	b := NewBuffer(16, defaultHeadReserve)
	b.WriteString("shared payload")
	id := sender.MakePrefab(b)
	if id == 0 {
		t.Fatal("expected prefab id")
	}

	if !sender.SendPrefab(r1.ID(), id, "h1", 0, PTypeText) {
		t.Fatal("prefab send to r1 failed")
	}
	if !sender.SendPrefab(r2.ID(), id, "h2", 0, PTypeText) {
		t.Fatal("prefab send to r2 failed")
	}

	for i, c := range []*collectHandler{c1, c2} {
		r := waitRecorded(t, c.msgs)
		if r.Payload != "shared payload" {
			t.Fatalf("receiver %d got %q", i+1, r.Payload)
		}
	}

	// After removal the cache refuses further sends once drained.
	srv.workers[0].removePrefab(id)
	waitFor(t, func() bool {
		return !sender.SendPrefab(r1.ID(), id, "", 0, PTypeText)
	}, "prefab still sendable after removal")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPanicInDispatchDoesNotKillWorker(t *testing.T) {
	srv := newTestServer(t)

	recv := newCollectHandler()
	s := spawn(t, srv, "flaky", 1, func() Handler {
		return &hookHandler{dispatch: func(sv *Service, m *Message) {
			if string(m.Payload()) == "boom" {
				panic("kaboom")
			}
			recv.Dispatch(sv, m)
		}}
	})

	s.Send(s.ID(), []byte("boom"), "", 0, PTypeText)
	s.Send(s.ID(), []byte("still alive"), "", 0, PTypeText)

	r := waitRecorded(t, recv.msgs)
	if r.Payload != "still alive" {
		t.Fatalf("worker did not survive panic: %+v", r)
	}
}

func TestSlotReuseAfterRemoval(t *testing.T) {
	srv := newTestServer(t)

	first := spawn(t, srv, "gen1", 1, func() Handler { return &BaseHandler{} })
	firstID := first.ID()

	srv.Router().RemoveService(firstID, 0, 0)
	waitFor(t, func() bool {
		return srv.Router().ServiceCount() == 0
	}, "service never removed")

	second := spawn(t, srv, "gen2", 1, func() Handler { return &BaseHandler{} })
	if second.ID() == firstID {
		t.Fatal("sid reused immediately; counter should advance first")
	}
	if workerIndex(second.ID()) != 1 {
		t.Fatalf("second service landed on wrong worker: %#x", second.ID())
	}
}

func TestLeastLoadedPlacement(t *testing.T) {
	srv := newTestServer(t)

	// Pin three services to worker 1, then let the router place one.
	for _, name := range []string{"p1", "p2", "p3"} {
		spawn(t, srv, name, 1, func() Handler { return &BaseHandler{} })
	}
	free := spawn(t, srv, "free", 0, func() Handler { return &BaseHandler{} })

	if workerIndex(free.ID()) != 2 {
		t.Fatalf("expected least-loaded placement on worker 2, got %#x", free.ID())
	}
}
