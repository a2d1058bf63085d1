package loom

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes operational endpoints for a server over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	server   *Server
	httpSrv  *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to addr. Not serving
// until Start.
func NewAdminServer(server *Server, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		server:   server,
		listener: ln,
		httpSrv: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/state", as.handleState)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.httpSrv.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts the admin server down.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.httpSrv.Shutdown(ctx)
}

// stateResponse is the JSON structure for GET /state.
type stateResponse struct {
	RunID    string           `json:"run_id"`
	UptimeMs int64            `json:"uptime_ms"`
	Services int32            `json:"services"`
	Workers  []WorkerState    `json:"workers"`
	Metrics  map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := as.server
	resp := stateResponse{
		RunID:    s.runID,
		UptimeMs: s.UptimeMs(),
		Services: s.router.ServiceCount(),
		Workers:  s.router.WorkerStates(),
		Metrics:  s.metrics.Snapshot(),
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin response encode failed", "error", err)
	}
}
