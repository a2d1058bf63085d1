package loom

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// EnvWatcher reloads the env section of a node config file whenever it
// changes and pushes the values into the router's environment map.
// Services subscribed to PTypeSystem receive a broadcast naming the
// changed keys.
type EnvWatcher struct {
	router  *Router
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchEnv starts watching path. Close the returned watcher to stop.
func WatchEnv(router *Router, path string) (*EnvWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	ew := &EnvWatcher{
		router:  router,
		path:    path,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go ew.run()
	return ew, nil
}

func (ew *EnvWatcher) run() {
	for {
		select {
		case <-ew.done:
			return
		case ev, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				ew.reload()
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("env watch error", "path", ew.path, "error", err)
		}
	}
}

func (ew *EnvWatcher) reload() {
	cfg, err := LoadNodeConfig(ew.path)
	if err != nil {
		slog.Warn("env reload failed", "path", ew.path, "error", err)
		return
	}

	changed := make([]byte, 0, 64)
	for k, v := range cfg.Env {
		if ew.router.GetEnv(k) == v {
			continue
		}
		ew.router.SetEnv(k, v)
		if len(changed) > 0 {
			changed = append(changed, ',')
		}
		changed = append(changed, k...)
	}
	if len(changed) == 0 {
		return
	}

	slog.Info("environment reloaded", "path", ew.path, "keys", string(changed))
	ew.router.Broadcast(0, changed, "env_update", PTypeSystem)
}

// Close stops the watcher.
func (ew *EnvWatcher) Close() error {
	close(ew.done)
	return ew.watcher.Close()
}
