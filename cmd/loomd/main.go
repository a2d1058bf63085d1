// loomd boots a loom node from a YAML config file: it builds the
// server, seeds the environment map (plus PATH/CPATH from the process
// environment), registers an echo handler for smoke testing, spawns
// the configured services, and runs until SIGINT/SIGTERM.
//
// Run:
//
//	go run ./cmd/loomd -config node.yaml
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/loom"
)

// echoHandler answers every request with its own payload.
type echoHandler struct {
	loom.BaseHandler
}

func (echoHandler) Dispatch(s *loom.Service, m *loom.Message) {
	if m.Session > 0 {
		s.Respond(m, m.Payload(), loom.PTypeText)
	}
}

func main() {
	configPath := flag.String("config", "node.yaml", "path to the node config file")
	flag.Parse()

	loom.InitLogger(slog.LevelInfo)

	cfg, err := loom.LoadNodeConfig(*configPath)
	if err != nil {
		slog.Error("boot failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if err := loom.SetLogLevel(cfg.LogLevel); err != nil {
			slog.Warn("ignoring log level", "error", err)
		}
	}

	env := map[string]string{
		"PATH":  os.Getenv("PATH"),
		"CPATH": os.Getenv("CPATH"),
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	opts := []loom.Option{
		loom.WithLogLevel(level),
		loom.WithEnv(env),
	}
	if cfg.Workers > 0 {
		opts = append(opts, loom.WithWorkers(cfg.Workers))
	}
	if cfg.AdminAddr != "" {
		opts = append(opts, loom.WithAdminAddr(cfg.AdminAddr))
	}

	server := loom.NewServer(opts...)
	// NewServer sets the global level from its options, so the
	// configured level is applied after it.
	if cfg.LogLevel != "" {
		if err := loom.SetLogLevel(cfg.LogLevel); err != nil {
			slog.Warn("ignoring log level", "error", err)
		}
	}
	server.Router().Register("echo", func() loom.Handler { return echoHandler{} })
	server.Start()

	for i := range cfg.Services {
		raw, err := cfg.ServiceJSON(i)
		if err != nil {
			slog.Error("bad service entry", "index", i, "error", err)
			continue
		}
		server.Router().NewService(0, raw, 0, 0)
	}

	watcher, err := loom.WatchEnv(server.Router(), *configPath)
	if err != nil {
		slog.Warn("env watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		server.Stop()
	}()

	server.Run()
}
