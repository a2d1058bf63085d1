package loom

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type serverState int32

const (
	stateInit serverState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Server owns the router, all workers, the wall clock and the
// lifecycle. Construct before any worker starts, stop after all
// workers stop; nothing global outlives it.
type Server struct {
	cfg    config
	runID  string
	router *Router

	workers []*Worker
	metrics *Metrics

	state   atomic.Int32
	now     atomic.Int64 // milliseconds, refreshed by the clock loop
	next    atomic.Uint32
	startMs int64

	done      chan struct{}
	clockDone chan struct{}
	stopOnce  sync.Once

	admin *AdminServer
}

// NewServer constructs a server with n workers (per options) and wires
// the router. Workers do not run until Start.
func NewServer(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	s := &Server{
		cfg:       cfg,
		runID:     uuid.NewString(),
		metrics:   newMetrics(),
		done:      make(chan struct{}),
		clockDone: make(chan struct{}),
	}
	logLevel.Set(cfg.logLevel)
	s.NowMs(true)
	s.startMs = s.NowMs(false)

	s.router = newRouter(s, s.metrics)
	s.workers = make([]*Worker, cfg.workers)
	for i := range s.workers {
		s.workers[i] = newWorker(uint16(i+1), s, s.router, &cfg)
	}
	s.router.workers = s.workers
	s.metrics.serviceCountFn = func() int { return int(s.router.ServiceCount()) }

	for k, v := range cfg.env {
		s.router.SetEnv(k, v)
	}

	return s
}

// Router exposes the directory for registration and sends from the
// embedding program.
func (s *Server) Router() *Router { return s.router }

// RunID identifies this server instance in logs and admin output.
func (s *Server) RunID() string { return s.runID }

// Workers reports the worker count.
func (s *Server) Workers() int { return len(s.workers) }

// Start launches the clock, the workers and the admin server.
// Non-blocking; pair with Stop.
func (s *Server) Start() {
	if !s.state.CompareAndSwap(int32(stateInit), int32(stateRunning)) {
		return
	}

	slog.Info("server starting", "run_id", s.runID, "workers", len(s.workers))

	go s.clockLoop()
	for _, w := range s.workers {
		go w.run()
	}

	if s.cfg.adminAddr != "" {
		admin, err := NewAdminServer(s, s.cfg.adminAddr)
		if err != nil {
			slog.Error("admin server failed to start", "error", err)
		} else {
			s.admin = admin
			admin.Start()
		}
	}
}

// Run starts the server and blocks until Stop completes.
func (s *Server) Run() {
	s.Start()
	<-s.done
}

// Stop shuts the server down: reactors first so no new socket traffic
// arrives, then each worker drains its mailbox one final time and
// destroys its services. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(stateStopping))
		slog.Info("server stopping", "run_id", s.runID)

		if s.admin != nil {
			s.admin.Stop()
		}

		for _, w := range s.workers {
			w.reactor.stop()
		}
		for _, w := range s.workers {
			close(w.done)
		}
		for _, w := range s.workers {
			<-w.stopped
		}

		close(s.clockDone)
		s.state.Store(int32(stateStopped))
		close(s.done)
		slog.Info("server stopped", "run_id", s.runID)
	})
}

// Abort requests a stop without waiting for it; safe to call from a
// worker goroutine (Stop joins the workers).
func (s *Server) Abort() {
	go s.Stop()
}

// Running reports whether the server has started and not yet begun
// stopping.
func (s *Server) Running() bool {
	return serverState(s.state.Load()) == stateRunning
}

// NowMs returns the server wall clock in milliseconds. The cached
// value refreshes every clock tick; sync forces a fresh reading.
func (s *Server) NowMs(sync bool) int64 {
	if sync {
		now := time.Now().UnixMilli()
		s.now.Store(now)
		return now
	}
	return s.now.Load()
}

// UptimeMs reports elapsed time since construction.
func (s *Server) UptimeMs() int64 {
	return s.NowMs(false) - s.startMs
}

func (s *Server) nextWorker() uint32 {
	return s.next.Add(1)
}

// clockLoop refreshes the cached wall clock. Ticks faster than the
// worker loops so timer advancement never stalls on a stale clock.
func (s *Server) clockLoop() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.clockDone:
			return
		case <-ticker.C:
			s.now.Store(time.Now().UnixMilli())
		}
	}
}
