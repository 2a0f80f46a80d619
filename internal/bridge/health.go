package bridge

import "time"

const (
	pingInterval = 10 * time.Second
	// sampleWindowSize gives roughly a one-minute rolling average at the
	// ping interval, matching the load-report horizon.
	sampleWindowSize = 6

	// loadUnknown marks a judge that has not reported load yet; the
	// scheduler treats it as maximally loaded.
	loadUnknown = 1e100
)

// sampleWindow is a fixed-capacity ring of float observations; pushing
// past capacity evicts the oldest sample.
type sampleWindow struct {
	samples []float64
	next    int
	count   int
}

func newSampleWindow(capacity int) *sampleWindow {
	return &sampleWindow{samples: make([]float64, capacity)}
}

func (w *sampleWindow) push(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *sampleWindow) mean() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}

// healthMonitor derives latency and clock-offset estimates from ping
// round trips and records the judge's self-reported load. It is owned by
// the session's inbound loop; reads go through Session.Health snapshots.
type healthMonitor struct {
	latencyWindow *sampleWindow
	offsetWindow  *sampleWindow

	latency float64
	offset  float64
	load    float64
}

func newHealthMonitor() *healthMonitor {
	return &healthMonitor{
		latencyWindow: newSampleWindow(sampleWindowSize),
		offsetWindow:  newSampleWindow(sampleWindowSize),
		load:          loadUnknown,
	}
}

// observe folds one ping round trip into the rolling estimates. sent is
// the timestamp the ping carried, received the local arrival time, and
// reported the judge's own clock reading, all in epoch seconds.
func (h *healthMonitor) observe(sent, received, reported float64) {
	h.latencyWindow.push(received - sent)
	h.offsetWindow.push((received+sent)/2 - reported)
	h.latency = h.latencyWindow.mean()
	h.offset = h.offsetWindow.mean()
}

func (h *healthMonitor) reportLoad(load float64) {
	h.load = load
}

// HealthSnapshot is the scheduler-facing view of a session's health.
type HealthSnapshot struct {
	Latency     float64 `json:"latency"`
	ClockOffset float64 `json:"clock_offset"`
	Load        float64 `json:"load"`
	Samples     int     `json:"samples"`
}

func (h *healthMonitor) snapshot() HealthSnapshot {
	return HealthSnapshot{
		Latency:     h.latency,
		ClockOffset: h.offset,
		Load:        h.load,
		Samples:     h.latencyWindow.count,
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
