// Package ratelimit provides the per-IP sliding-window admission limiters.
// State is in-memory only; rate limits are soft guarantees and do not
// survive a restart.
package ratelimit

import (
	"time"
)

// DefaultWindow is the data-plane admission window.
const DefaultWindow = time.Minute

// DefaultMaxKeys bounds the number of IPs tracked before LRU eviction.
const DefaultMaxKeys = 100_000

// window is the per-IP admission record: timestamps of admitted requests,
// oldest first, within the limiter's window.
type window struct {
	times []time.Time
}

// prune drops timestamps older than cutoff, keeping order.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Stats describes one IP's current window for the admin plane.
type Stats struct {
	// Count is the number of admissions inside the current window.
	Count int
	// Oldest is the earliest admission still inside the window.
	// Zero when Count is 0.
	Oldest time.Time
}

// Limiter is the data-plane sliding-window limiter. The per-request budget
// comes from the live snapshot so a config reload takes effect immediately
// without touching limiter state.
type Limiter struct {
	ipWindows *shardedMap[*window]
	window    time.Duration
}

// NewLimiter creates a limiter with the given window and key cap.
// Zero values select DefaultWindow and DefaultMaxKeys.
func NewLimiter(windowDur time.Duration, maxKeys int) *Limiter {
	if windowDur <= 0 {
		windowDur = DefaultWindow
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Limiter{
		ipWindows: newShardedMap[*window](maxKeys),
		window:    windowDur,
	}
}

// Allow decides admission for one request from ip at time now.
// Entries older than the window are purged first; the request is admitted
// and recorded only when the remaining count is below budget.
func (l *Limiter) Allow(ip string, budget int, now time.Time) bool {
	if budget <= 0 {
		return false
	}

	admitted := false
	l.ipWindows.withEntry(ip, func(w *window, ok bool) (*window, bool) {
		if !ok {
			w = &window{}
		}
		w.prune(now.Add(-l.window))
		if len(w.times) >= budget {
			// Keep the pruned window; rejected requests are not recorded.
			return w, len(w.times) > 0
		}
		w.times = append(w.times, now)
		admitted = true
		return w, true
	})
	return admitted
}

// Clear removes an IP's window. Returns whether state existed.
func (l *Limiter) Clear(ip string) bool {
	return l.ipWindows.remove(ip)
}

// StatsFor returns the current window view for one IP.
func (l *Limiter) StatsFor(ip string, now time.Time) Stats {
	var st Stats
	cutoff := now.Add(-l.window)
	l.ipWindows.withEntry(ip, func(w *window, ok bool) (*window, bool) {
		if !ok {
			return nil, false
		}
		for _, ts := range w.times {
			if ts.After(cutoff) {
				if st.Count == 0 {
					st.Oldest = ts
				}
				st.Count++
			}
		}
		return w, true
	})
	return st
}

// TrackedIPs returns the number of IPs currently holding state.
func (l *Limiter) TrackedIPs() int {
	return l.ipWindows.len()
}

// Sweep drops IPs whose entire window has expired. Called from a periodic
// janitor; correctness does not depend on it because Allow prunes on access
// and the LRU caps memory.
func (l *Limiter) Sweep(now time.Time) {
	cutoff := now.Add(-l.window)
	l.ipWindows.deleteFunc(func(_ string, w *window) bool {
		return len(w.times) == 0 || !w.times[len(w.times)-1].After(cutoff)
	})
}
