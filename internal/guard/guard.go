// Package guard provides local traffic-shaping: a sliding-window admission
// limiter, per-key loop detection with cooldown lockout, and per-key
// throttles. It performs no I/O; every other component consults it before
// emitting network traffic.
package guard

import (
	"sync"
	"time"

	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/model"
)

const (
	// DefaultRequestsPerWindow bounds total outbound requests per window.
	DefaultRequestsPerWindow = 30
	// Window is the admission window length.
	Window = time.Minute
	// DefaultCooldown is how long a tripped loop stays blocked.
	DefaultCooldown = 30 * time.Second
)

// Guard is the shared admission/loop/throttle state. All updates are atomic
// under a single mutex.
type Guard struct {
	mu        sync.Mutex
	clock     clock.Clock
	perWindow int
	admission model.RateWindow
	cooldown  time.Duration
	loops     map[string]*model.RateWindow
	throttles map[string]time.Time
}

// New constructs a Guard admitting at most perWindow requests per Window.
// Zero or negative values fall back to defaults.
func New(clk clock.Clock, perWindow int) *Guard {
	if clk == nil {
		clk = clock.System{}
	}
	if perWindow <= 0 {
		perWindow = DefaultRequestsPerWindow
	}
	return &Guard{
		clock:     clk,
		perWindow: perWindow,
		cooldown:  DefaultCooldown,
		loops:     make(map[string]*model.RateWindow),
		throttles: make(map[string]time.Time),
	}
}

// SetCooldown overrides the loop-trip cooldown.
func (g *Guard) SetCooldown(d time.Duration) {
	g.mu.Lock()
	g.cooldown = d
	g.mu.Unlock()
}

// CanMakeRequest is the global admission check, independent of request
// identity. It consumes one slot when it admits. Exhausted slots do not
// refill mid-window: once perWindow calls are admitted, every further call
// is rejected until a full Window has elapsed since the window opened.
func (g *Guard) CanMakeRequest() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if now.Sub(g.admission.WindowStart) >= Window {
		g.admission.Count = 0
		g.admission.WindowStart = now
	}
	if g.admission.Count >= g.perWindow {
		return false
	}
	g.admission.Count++
	return true
}

// DetectLoop counts invocations of key; exceeding maxCount within window sets
// a cooldown block and returns true. Triggering again while blocked extends
// the block without incrementing counters.
func (g *Guard) DetectLoop(key string, maxCount int, window time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	w, ok := g.loops[key]
	if !ok {
		w = &model.RateWindow{WindowStart: now}
		g.loops[key] = w
	}

	if now.Before(w.BlockedUntil) {
		w.BlockedUntil = now.Add(g.cooldown)
		return true
	}

	if now.Sub(w.WindowStart) > window {
		w.Count = 0
		w.WindowStart = now
	}
	w.Count++
	if w.Count > maxCount {
		w.BlockedUntil = now.Add(g.cooldown)
		w.Count = 0
		w.WindowStart = now
		return true
	}
	return false
}

// IsBlocked reports whether key is under a loop cooldown. Expired blocks are
// cleared on read.
func (g *Guard) IsBlocked(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.loops[key]
	if !ok {
		return false
	}
	if g.clock.Now().Before(w.BlockedUntil) {
		return true
	}
	w.BlockedUntil = time.Time{}
	return false
}

// Throttle admits at most one call per minInterval for key. It returns true
// when the call is admitted and records the admission time.
func (g *Guard) Throttle(key string, minInterval time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if last, ok := g.throttles[key]; ok && now.Sub(last) < minInterval {
		return false
	}
	g.throttles[key] = now
	return true
}

// ClearThrottle forgets the throttle state for key (used by forced syncs).
func (g *Guard) ClearThrottle(key string) {
	g.mu.Lock()
	delete(g.throttles, key)
	g.mu.Unlock()
}
