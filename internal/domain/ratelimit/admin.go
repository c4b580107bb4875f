package ratelimit

import (
	"time"
)

// Admin limiter defaults: 5 attempts per 5 minutes, 10 minute block.
const (
	DefaultAdminAttempts = 5
	DefaultAdminWindow   = 5 * time.Minute
	DefaultAdminBlock    = 10 * time.Minute
)

// adminEntry tracks attempts against one (ip, operation) key.
type adminEntry struct {
	times        []time.Time
	blockedUntil time.Time
}

// AdminLimiter throttles sensitive admin operations per IP and operation
// name. Saturating the window puts the key into a blocked state for a fixed
// duration; attempts during the block are refused without extending it.
type AdminLimiter struct {
	entries  *shardedMap[*adminEntry]
	attempts int
	window   time.Duration
	block    time.Duration
}

// NewAdminLimiter creates an admin limiter. Zero values select the defaults.
func NewAdminLimiter(attempts int, window, block time.Duration) *AdminLimiter {
	if attempts <= 0 {
		attempts = DefaultAdminAttempts
	}
	if window <= 0 {
		window = DefaultAdminWindow
	}
	if block <= 0 {
		block = DefaultAdminBlock
	}
	return &AdminLimiter{
		entries:  newShardedMap[*adminEntry](DefaultMaxKeys),
		attempts: attempts,
		window:   window,
		block:    block,
	}
}

// Check records one attempt from ip against op at time now.
// Returns (0, true) when the attempt is admitted, or (remaining, false)
// when the key is blocked, with remaining the time until the block lifts.
// Every attempt is counted, including those made before authentication.
func (l *AdminLimiter) Check(ip, op string, now time.Time) (time.Duration, bool) {
	key := ip + "|" + op

	var (
		retryAfter time.Duration
		admitted   bool
	)
	l.entries.withEntry(key, func(e *adminEntry, ok bool) (*adminEntry, bool) {
		if !ok {
			e = &adminEntry{}
		}

		if !e.blockedUntil.IsZero() {
			if now.Before(e.blockedUntil) {
				retryAfter = e.blockedUntil.Sub(now)
				return e, true
			}
			// Block expired: the key starts with a clean window.
			e.blockedUntil = time.Time{}
			e.times = e.times[:0]
		}

		cutoff := now.Add(-l.window)
		i := 0
		for i < len(e.times) && !e.times[i].After(cutoff) {
			i++
		}
		if i > 0 {
			e.times = append(e.times[:0], e.times[i:]...)
		}

		if len(e.times) >= l.attempts {
			e.blockedUntil = now.Add(l.block)
			retryAfter = l.block
			return e, true
		}

		e.times = append(e.times, now)
		admitted = true
		return e, true
	})
	return retryAfter, admitted
}

// Sweep drops keys that are neither blocked nor holding in-window attempts.
func (l *AdminLimiter) Sweep(now time.Time) {
	cutoff := now.Add(-l.window)
	l.entries.deleteFunc(func(_ string, e *adminEntry) bool {
		if !e.blockedUntil.IsZero() && now.Before(e.blockedUntil) {
			return false
		}
		return len(e.times) == 0 || !e.times[len(e.times)-1].After(cutoff)
	})
}

// TrackedKeys returns the number of (ip, operation) keys holding state.
func (l *AdminLimiter) TrackedKeys() int {
	return l.entries.len()
}
