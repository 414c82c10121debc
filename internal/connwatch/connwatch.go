// Package connwatch tracks the reachability of Parley's external
// dependencies: the local model server, a remote intent router, the
// MQTT broker.
//
// Each watched dependency is probed with exponential backoff until it
// first answers, then polled at a fixed interval. Transitions between
// ready and down are logged and published on the event bus; the
// current state of every dependency backs the /health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/parley/internal/events"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the delay after the first failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the delay growth while the dependency has never
	// been ready.
	MaxDelay time.Duration
	// PollInterval is the interval between probes once the dependency
	// has answered at least once.
	PollInterval time.Duration
	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoff probes after 2s, 4s, 8s ... up to 60s, then every 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the last known state of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	done    chan struct{}

	mu       sync.Mutex
	status   Status
	everSeen bool
}

// Manager runs one watcher goroutine per dependency.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*watcher
	cancel   []context.CancelFunc
}

// NewManager creates a manager that publishes transitions to bus. bus
// may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a dependency in the background until ctx is
// cancelled or Stop is called. A second Watch for the same name is
// ignored.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[name]; ok || probe == nil {
		return
	}
	w := &watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		done:    make(chan struct{}),
		status:  Status{Name: name},
	}
	m.watchers[name] = w

	wctx, cancel := context.WithCancel(ctx)
	m.cancel = append(m.cancel, cancel)
	go m.run(wctx, w)
}

// Status returns every dependency's state, sorted by name.
func (m *Manager) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every watched dependency is reachable.
func (m *Manager) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancels := m.cancel
	m.cancel = nil
	watchers := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, w := range watchers {
		<-w.done
	}
}

func (m *Manager) run(ctx context.Context, w *watcher) {
	defer close(w.done)

	log := m.logger.With("dependency", w.name)
	delay := w.backoff.InitialDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		was := w.status.Ready
		w.status.LastCheck = time.Now()
		if err != nil {
			w.status.Ready = false
			w.status.Failures++
			w.status.LastError = err.Error()
		} else {
			w.status.Ready = true
			w.status.Failures = 0
			w.status.LastError = ""
			w.everSeen = true
		}
		failures, everSeen := w.status.Failures, w.everSeen
		w.mu.Unlock()

		switch {
		case err == nil && !was:
			log.Info("dependency ready")
			m.publish(w.name, true, nil)
		case err != nil && was:
			log.Warn("dependency unreachable", "error", err)
			m.publish(w.name, false, err)
		case err != nil:
			log.Debug("dependency still unreachable", "failures", failures, "next", delay, "error", err)
		}

		wait := w.backoff.PollInterval
		if !everSeen {
			wait = delay
			delay = min(delay*2, w.backoff.MaxDelay)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	return w.probe(pctx)
}

func (m *Manager) publish(name string, ready bool, err error) {
	data := map[string]any{"name": name, "ready": ready}
	if err != nil {
		data["error"] = err.Error()
	}
	m.bus.Emit(events.SourceDeps, events.KindDependency, data)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
