// Package scheduler runs sync passes on an interval, when a watched feed file
// changes, and on demand.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerInterval Trigger = "interval"
	TriggerWatch    Trigger = "watch"
	TriggerManual   Trigger = "manual"
)

// RunFunc performs one sync pass.
type RunFunc func(ctx context.Context, trigger Trigger) error

// Config holds configuration for the scheduler daemon.
type Config struct {
	// Interval between scheduled passes. Zero disables the timer.
	Interval time.Duration

	// WatchPath is a local feed file; writes to it trigger a pass. Empty disables watching.
	WatchPath string

	// Debounce collapses bursts of file events into one pass (default: 500ms).
	Debounce time.Duration

	// RunOnStart runs a pass immediately on start.
	RunOnStart bool

	Backoff BackoffConfig
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   15 * time.Minute,
		Debounce:   500 * time.Millisecond,
		RunOnStart: true,
		Backoff:    DefaultBackoffConfig(),
	}
}

// Daemon schedules sync passes. Passes never overlap.
type Daemon struct {
	config   Config
	run      RunFunc
	backoff  *Backoff
	triggers chan Trigger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *fsnotify.Watcher

	passMu sync.Mutex
}

// NewDaemon creates a scheduler daemon.
func NewDaemon(config Config, run RunFunc) *Daemon {
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	return &Daemon{
		config:   config,
		run:      run,
		backoff:  NewBackoff(config.Backoff),
		triggers: make(chan Trigger, 1),
	}
}

// Start begins the scheduling loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("scheduler: daemon is already running")
	}

	var watcher *fsnotify.Watcher
	if d.config.WatchPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("scheduler: failed to create watcher: %w", err)
		}
		// Watch the directory: editors and atomic writers replace the file.
		if err := w.Add(filepath.Dir(d.config.WatchPath)); err != nil {
			w.Close()
			return fmt.Errorf("scheduler: failed to watch %s: %w", d.config.WatchPath, err)
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.watcher = watcher

	go d.loop(ctx)
	log.Printf("scheduler: started (interval=%v, watch=%q)", d.config.Interval, d.config.WatchPath)
	return nil
}

// Stop gracefully stops the daemon, waiting for an in-flight pass.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false

	if d.watcher != nil {
		err := d.watcher.Close()
		d.watcher = nil
		return err
	}
	return nil
}

// Trigger requests a pass. It reports false when a request is already pending.
func (d *Daemon) Trigger() bool {
	select {
	case d.triggers <- TriggerManual:
		return true
	default:
		return false
	}
}

// RunOnce performs a single pass synchronously, serialized with scheduled passes.
func (d *Daemon) RunOnce(ctx context.Context, trigger Trigger) error {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	start := time.Now()
	err := d.run(ctx, trigger)
	d.backoff.Record(err == nil)
	if err != nil {
		log.Printf("scheduler: %s pass failed after %v: %v", trigger, time.Since(start), err)
		return err
	}
	log.Printf("scheduler: %s pass finished in %v", trigger, time.Since(start))
	return nil
}

// Backoff exposes the failure tracker.
func (d *Daemon) Backoff() *Backoff {
	return d.backoff
}

func (d *Daemon) loop(ctx context.Context) {
	defer close(d.done)

	if d.config.RunOnStart {
		d.RunOnce(ctx, TriggerStartup)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	if d.config.Interval > 0 {
		timer = time.NewTimer(d.backoff.Delay(d.config.Interval))
		defer timer.Stop()
		timerC = timer.C
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	var target string
	if d.watcher != nil {
		events, watchErrs = d.watcher.Events, d.watcher.Errors
		target = filepath.Clean(d.config.WatchPath)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timerC:
			d.RunOnce(ctx, TriggerInterval)
			timer.Reset(d.backoff.Delay(d.config.Interval))

		case t := <-d.triggers:
			d.RunOnce(ctx, t)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(d.config.Debounce)
			} else {
				debounce.Reset(d.config.Debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			d.RunOnce(ctx, TriggerWatch)

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			log.Printf("scheduler: [WARN] watcher error: %v", err)
		}
	}
}
