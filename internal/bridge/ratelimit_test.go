package bridge

import (
	"testing"
	"time"
)

func TestUpdateLimiterCapsBurst(t *testing.T) {
	l := newUpdateLimiter()
	now := time.Unix(1000, 0)

	allowed := 0
	for i := 0; i < 12; i++ {
		if l.allow(now.Add(time.Duration(i) * time.Millisecond)) {
			allowed++
		}
	}
	if allowed != updateRateLimit {
		t.Fatalf("expected %d updates through in one window, got %d", updateRateLimit, allowed)
	}
}

func TestUpdateLimiterRecoversAfterWindow(t *testing.T) {
	l := newUpdateLimiter()
	now := time.Unix(1000, 0)

	for i := 0; i < updateRateLimit; i++ {
		if !l.allow(now) {
			t.Fatalf("update %d should pass", i)
		}
	}
	if l.allow(now) {
		t.Fatalf("update past the budget must be throttled")
	}

	later := now.Add(updateRateWindow + time.Millisecond)
	if !l.allow(later) {
		t.Fatalf("budget must replenish after the window elapses")
	}
}

func TestUpdateLimiterResetClearsWindow(t *testing.T) {
	l := newUpdateLimiter()
	now := time.Unix(1000, 0)
	for i := 0; i < updateRateLimit; i++ {
		l.allow(now)
	}
	if l.allow(now) {
		t.Fatalf("budget should be spent")
	}

	l.reset()
	if !l.allow(now) {
		t.Fatalf("reset must restore the full budget")
	}
}
