// Package config holds the Config value passed to Datastore.Open. There is
// no process-wide singleton: every background task receives its tunables
// explicitly, the way the teacher's Engine took a single dbPath rather than
// reaching for a package-level global.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config collects every tunable named in the specification. Zero values are
// replaced by WithDefaults.
type Config struct {
	// NewLiveQueriesPerTransaction caps how many live queries a single
	// transaction may register before Register fails with
	// errs.ErrTooManyLiveQueries.
	NewLiveQueriesPerTransaction uint32 `json:"new_live_queries_per_transaction"`

	// LiveQueryCatchupSize is the page size of the delivery loop's
	// notification drain. The GC passes and registry lookups do not read
	// it; they scan in fixed pages of 1000.
	LiveQueryCatchupSize uint32 `json:"live_query_catchup_size"`

	// HeartbeatInterval is how often the heartbeat emitter writes a new
	// liveness marker for this node.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// LivenessWindow is how far back a heartbeat still counts as proof of
	// life. Conventionally 10x HeartbeatInterval.
	LivenessWindow time.Duration `json:"liveness_window"`

	// GCPeriod is how often the bootstrap GC repeats after its initial
	// synchronous pass at Open.
	GCPeriod time.Duration `json:"gc_period"`

	// DeliveryHighWater is the pending-notification threshold per live
	// query above which the delivery loop signals a slow_consumer counter.
	DeliveryHighWater uint32 `json:"delivery_high_water"`

	// GCNotificationScanCap bounds how many notifications the third GC
	// pass inspects in a single run.
	GCNotificationScanCap uint32 `json:"gc_notification_scan_cap"`
}

// WithDefaults returns a copy of cfg with every zero field replaced by the
// specification's default.
func (cfg Config) WithDefaults() Config {
	if cfg.NewLiveQueriesPerTransaction == 0 {
		cfg.NewLiveQueriesPerTransaction = 100
	}
	if cfg.LiveQueryCatchupSize == 0 {
		cfg.LiveQueryCatchupSize = 1000
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.LivenessWindow == 0 {
		cfg.LivenessWindow = 30 * time.Second
	}
	if cfg.GCPeriod == 0 {
		cfg.GCPeriod = 60 * time.Second
	}
	if cfg.DeliveryHighWater == 0 {
		cfg.DeliveryHighWater = 1024
	}
	if cfg.GCNotificationScanCap == 0 {
		cfg.GCNotificationScanCap = 10000
	}
	return cfg
}

// Load reads a Config from a JSON file. A missing file is not an error: it
// yields a zero Config that WithDefaults will fill in, matching the
// teacher's pattern of a database that seeds sane defaults on first open.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher hot-reloads a Config file and notifies subscribers of every
// successfully parsed change, mirroring the teacher's Engine.WatchFile /
// OnChange pair but for the config file that seeds a Datastore rather than
// for an on-disk SQLite database.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.RWMutex
	current  Config
	handlers []func(Config)
	done     chan struct{}
}

// NewWatcher starts watching path for changes. The initial Config is loaded
// synchronously so callers always have a usable value even if the watch
// goroutine hasn't started yet.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		// A config file that doesn't exist yet is fine; it may be
		// created later. Anything else is a real problem.
		if !os.IsNotExist(err) {
			fw.Close()
			return nil, fmt.Errorf("watch config %s: %w", path, err)
		}
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: cfg.WithDefaults(),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked with the new Config whenever the
// watched file changes and re-parses successfully.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

func (w *Watcher) loop() {
	defer w.watcher.Close()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				// A transient write-in-progress is not fatal;
				// the next event will retry.
				continue
			}
			cfg = cfg.WithDefaults()

			w.mu.Lock()
			w.current = cfg
			handlers := append([]func(Config){}, w.handlers...)
			w.mu.Unlock()

			for _, h := range handlers {
				h(cfg)
			}
		case <-w.watcher.Errors:
			// Best-effort: the datastore keeps running on its
			// last-known-good Config.
		}
	}
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.done)
	return nil
}
