package bridge

import "time"

const (
	updateRateLimit  = 5
	updateRateWindow = 500 * time.Millisecond
)

// updateLimiter throttles streamed test-case updates for one submission.
// It is a plain counter with a window reset timestamp; terminal messages
// never pass through it. Owned by the session's inbound loop.
type updateLimiter struct {
	limit  int
	window time.Duration

	sent      int
	lastReset time.Time
}

func newUpdateLimiter() *updateLimiter {
	return &updateLimiter{limit: updateRateLimit, window: updateRateWindow}
}

// allow reports whether another update may be forwarded at now, counting
// it if so. The window starts on the first update after a reset.
func (l *updateLimiter) allow(now time.Time) bool {
	if l.lastReset.IsZero() || now.Sub(l.lastReset) > l.window {
		l.lastReset = now
		l.sent = 0
	}
	if l.sent >= l.limit {
		return false
	}
	l.sent++
	return true
}

// reset clears the window for the next submission.
func (l *updateLimiter) reset() {
	l.sent = 0
	l.lastReset = time.Time{}
}
