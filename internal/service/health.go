package service

import (
	"sync"
	"time"
)

// LivenessState is the downlink-path connection state of a service.
type LivenessState uint8

// States.
const (
	StateDisconnected LivenessState = iota
	StateConnecting
	StateLive
	StateStalled
	StateDead
)

// String implements fmt.Stringer.
func (s LivenessState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateLive:
		return "LIVE"
	case StateStalled:
		return "STALLED"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Health tracks peer liveness for one service. Transitions:
// DISCONNECTED -> CONNECTING -> LIVE -> STALLED -> DEAD, with LIVE
// re-entered on any fresh contact.
type Health struct {
	mu           sync.Mutex
	state        LivenessState
	lastContact  time.Time
	missed       int    // consecutive keepalive cycles without contact
	totalMissed  uint32 // lifetime, drives autoquit
	maxStall     int
	pullInterval time.Duration
}

// NewHealth builds a health block.
func NewHealth(pullInterval time.Duration, maxStall int) *Health {
	if maxStall <= 0 {
		maxStall = 1
	}
	if pullInterval <= 0 {
		pullInterval = time.Second
	}
	return &Health{
		state:        StateDisconnected,
		maxStall:     maxStall,
		pullInterval: pullInterval,
	}
}

// MarkConnecting notes a (re)connection attempt.
func (h *Health) MarkConnecting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateConnecting
	h.missed = 0
}

// MarkContact records a response from the peer and enters LIVE.
func (h *Health) MarkContact() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateLive
	h.lastContact = time.Now()
	h.missed = 0
}

// MarkKeepaliveSent opens a response window. A window that closes without
// contact counts as a missed cycle on the next call.
func (h *Health) MarkKeepaliveSent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDisconnected {
		return
	}
	if time.Since(h.lastContact) > h.pullInterval {
		h.missed++
		h.totalMissed++
	}
}

// MarkSendError records a transport failure; it weighs like a missed
// cycle.
func (h *Health) MarkSendError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missed++
	h.totalMissed++
}

// Evaluate applies the transition rules and returns the current state.
func (h *Health) Evaluate() LivenessState {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateLive:
		// LIVE requires contact within the last two pull cycles
		if h.missed >= h.maxStall || time.Since(h.lastContact) > 2*h.pullInterval && h.missed > 0 {
			h.state = StateStalled
		}
	case StateStalled:
		if h.missed >= 2*h.maxStall {
			h.state = StateDead
		}
	case StateConnecting:
		if h.missed >= 2*h.maxStall {
			h.state = StateDead
		}
	}
	return h.state
}

// State returns the last evaluated state.
func (h *Health) State() LivenessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// TotalMissed returns the lifetime missed-cycle count.
func (h *Health) TotalMissed() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalMissed
}

// LastContact returns the time of the last peer response.
func (h *Health) LastContact() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastContact
}
