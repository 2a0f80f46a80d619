package bridge

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSampleWindowMean(t *testing.T) {
	w := newSampleWindow(3)
	if w.mean() != 0 {
		t.Fatalf("empty window must average to 0")
	}
	w.push(1)
	w.push(2)
	if got := w.mean(); !almostEqual(got, 1.5) {
		t.Fatalf("expected mean 1.5, got %v", got)
	}
}

func TestSampleWindowEvictsOldest(t *testing.T) {
	w := newSampleWindow(sampleWindowSize)
	for i := 1; i <= sampleWindowSize; i++ {
		w.push(float64(i))
	}
	// 1..6 -> mean 3.5
	if got := w.mean(); !almostEqual(got, 3.5) {
		t.Fatalf("expected mean 3.5 at capacity, got %v", got)
	}

	// The 7th sample displaces the 1st: 2..7 -> mean 4.5.
	w.push(7)
	if got := w.mean(); !almostEqual(got, 4.5) {
		t.Fatalf("expected mean 4.5 after eviction, got %v", got)
	}
	if w.count != sampleWindowSize {
		t.Fatalf("count must stay at capacity, got %d", w.count)
	}
}

func TestHealthMonitorEstimates(t *testing.T) {
	h := newHealthMonitor()

	snap := h.snapshot()
	if snap.Load != loadUnknown {
		t.Fatalf("load must start at the unknown sentinel, got %v", snap.Load)
	}
	if snap.Samples != 0 {
		t.Fatalf("fresh monitor must have no samples")
	}

	// Ping sent at t=100, received at t=100.3, judge clock reads 100.65:
	// latency 0.3, offset (100+100.3)/2 - 100.65 = -0.5.
	h.observe(100.0, 100.3, 100.65)
	snap = h.snapshot()
	if !almostEqual(snap.Latency, 0.3) {
		t.Fatalf("expected latency 0.3, got %v", snap.Latency)
	}
	if !almostEqual(snap.ClockOffset, -0.5) {
		t.Fatalf("expected offset -0.5, got %v", snap.ClockOffset)
	}

	// A second round trip averages in.
	h.observe(110.0, 110.1, 109.55)
	snap = h.snapshot()
	if !almostEqual(snap.Latency, 0.2) {
		t.Fatalf("expected averaged latency 0.2, got %v", snap.Latency)
	}
	if !almostEqual(snap.ClockOffset, 0.0) {
		t.Fatalf("expected averaged offset 0.0, got %v", snap.ClockOffset)
	}
	if snap.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", snap.Samples)
	}
}

func TestHealthMonitorRollingHorizon(t *testing.T) {
	h := newHealthMonitor()
	for i := 0; i < sampleWindowSize; i++ {
		h.observe(0, 1.0, 0) // latency 1s
	}
	if got := h.snapshot().Latency; !almostEqual(got, 1.0) {
		t.Fatalf("expected latency 1.0, got %v", got)
	}

	// Once enough fresh samples arrive the old spike ages out entirely.
	for i := 0; i < sampleWindowSize; i++ {
		h.observe(0, 0.01, 0)
	}
	if got := h.snapshot().Latency; !almostEqual(got, 0.01) {
		t.Fatalf("expected latency 0.01 after window rollover, got %v", got)
	}
}

func TestHealthMonitorLoadReport(t *testing.T) {
	h := newHealthMonitor()
	h.reportLoad(0.75)
	if got := h.snapshot().Load; got != 0.75 {
		t.Fatalf("expected load 0.75, got %v", got)
	}
}
