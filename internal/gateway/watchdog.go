package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Watchdog cadence and threshold.
const (
	WatchdogPeriod  = 10 * time.Second
	WatchdogTimeout = 30 * time.Second
)

// ThreadKind tags a registry entry for logging and escalation decisions.
type ThreadKind uint8

// Thread kinds.
const (
	KindRxpkts ThreadKind = iota
	KindStats
	KindServiceUp
	KindServiceDown
	KindJIT
	KindTimersync
	KindBeacon
	KindCoordinator
)

// String implements fmt.Stringer.
func (k ThreadKind) String() string {
	switch k {
	case KindRxpkts:
		return "rxpkts"
	case KindStats:
		return "stats"
	case KindServiceUp:
		return "service_up"
	case KindServiceDown:
		return "service_down"
	case KindJIT:
		return "jit"
	case KindTimersync:
		return "timersync"
	case KindBeacon:
		return "beacon"
	case KindCoordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}

type threadInfo struct {
	name    string
	kind    ThreadKind
	beat    int64 // unix nanos of the last heartbeat
	restart func() // nil means the thread cannot be restarted
}

// Registry tracks every worker's heartbeat for the watchdog.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*threadInfo
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*threadInfo)}
}

// Register adds a thread and returns its heartbeat closure. A nil restart
// marks the thread as escalate-on-death.
func (r *Registry) Register(name string, kind ThreadKind, restart func()) func() {
	info := &threadInfo{name: name, kind: kind, restart: restart}
	atomic.StoreInt64(&info.beat, time.Now().UnixNano())
	r.mu.Lock()
	r.entries[name] = info
	r.mu.Unlock()
	return func() {
		atomic.StoreInt64(&info.beat, time.Now().UnixNano())
	}
}

// Unregister removes a thread (service teardown).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// stale returns every entry whose heartbeat is older than the timeout.
func (r *Registry) stale(timeout time.Duration) []*threadInfo {
	now := time.Now().UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*threadInfo
	for _, info := range r.entries {
		if now-atomic.LoadInt64(&info.beat) > int64(timeout) {
			out = append(out, info)
		}
	}
	return out
}

// Watchdog scans the registry and restarts or escalates dead threads.
type Watchdog struct {
	Registry *Registry
	Timeout  time.Duration
	Period   time.Duration

	// Escalate is invoked for a dead thread with no restart hook.
	Escalate func(name string, kind ThreadKind)
}

// Run loops until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	period := w.Period
	if period == 0 {
		period = WatchdogPeriod
	}
	timeout := w.Timeout
	if timeout == 0 {
		timeout = WatchdogTimeout
	}

	log.Info("gateway: watchdog started")
	defer log.Info("gateway: watchdog stopped")

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		for _, info := range w.Registry.stale(timeout) {
			ll := log.WithFields(log.Fields{
				"thread": info.name,
				"kind":   info.kind.String(),
			})
			if info.restart != nil {
				ll.Error("gateway: thread heartbeat stale, restarting")
				atomic.StoreInt64(&info.beat, time.Now().UnixNano())
				info.restart()
			} else {
				ll.Error("gateway: thread heartbeat stale, escalating")
				if w.Escalate != nil {
					w.Escalate(info.name, info.kind)
				}
			}
		}
	}
}
