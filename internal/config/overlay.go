package config

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Overlay is the subset of Config that can be hot-reloaded from a YAML
// file without restarting the server.
type Overlay struct {
	LogLevel string `yaml:"logLevel"`
	RateLimitMaxPerInterval int `yaml:"rateLimit.maxPerInterval"`
	RateLimitIntervalMs int `yaml:"rateLimit.intervalMs"`
	StreamBroadcastMs int `yaml:"stream.broadcastMs"`
}

// Watcher applies Overlay changes to a live Config and notifies subscribers
// so the bus can emit a config_updated event (event types).
type Watcher struct {
	path string
	cfg *Config
	mu sync.Mutex
	onApply func(Overlay)
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path (if non-empty) for changes. onApply is
// invoked with the newly applied overlay after each successful reload.
func NewWatcher(cfg *Config, onApply func(Overlay)) (*Watcher, error) {
	w := &Watcher{cfg: cfg, onApply: onApply, path: cfg.ConfigFile}
	if w.path == "" {
		return w, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw
	if err := w.reload(); err != nil {
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			_ = w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}

	w.mu.Lock()
	if o.LogLevel != "" {
		w.cfg.LogLevel = o.LogLevel
	}
	if o.RateLimitMaxPerInterval > 0 {
		w.cfg.RateLimitMaxPerInterval = o.RateLimitMaxPerInterval
	}
	if o.RateLimitIntervalMs > 0 {
		w.cfg.RateLimitIntervalMs = o.RateLimitIntervalMs
	}
	if o.StreamBroadcastMs > 0 {
		w.cfg.StreamBroadcastMs = o.StreamBroadcastMs
	}
	w.mu.Unlock()

	if w.onApply != nil {
		w.onApply(o)
	}
	return nil
}

// Close stops the underlying file watcher, if one was started.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
