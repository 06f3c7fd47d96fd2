package sink

import (
	"sync"
	"time"
)

// SerialGate is a per-device fixed-window rate limit: one delivery per serial
// per interval, extra attempts inside the window silently dropped rather than
// queued. Lifecycle: process-wide, created at startup, never persisted.
type SerialGate struct {
	mu       sync.Mutex
	interval time.Duration
	lastSent map[string]time.Time
}

// NewSerialGate creates a gate with the given window.
func NewSerialGate(interval time.Duration) *SerialGate {
	return &SerialGate{
		interval: interval,
		lastSent: make(map[string]time.Time),
	}
}

// Allow reports whether a delivery for serial may proceed at now, and if so
// records now as the serial's last delivery. Check and record are one
// atomic step per key.
func (g *SerialGate) Allow(serial string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastSent[serial]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.lastSent[serial] = now
	return true
}
