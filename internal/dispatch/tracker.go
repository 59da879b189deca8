package dispatch

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	emaWeight     = 0.05
	sampleWindow  = 1024
	fullSuccessPc = 100.0
)

// Tracker keeps the exponential moving average of request latency plus a
// bounded window of recent samples for percentiles. Rates are derived on read
// from the session counters, never accumulated.
type Tracker struct {
	mu      sync.Mutex
	avg     float64 // nanoseconds
	samples []float64
	next    int
	okN     uint64
	failN   uint64
}

func NewTracker() *Tracker {
	return &Tracker{samples: make([]float64, 0, sampleWindow)}
}

// Record folds one terminal outcome into the EMA: avg = avg*0.95 + d*0.05.
func (t *Tracker) Record(d time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.okN++
	} else {
		t.failN++
	}
	t.avg = t.avg*(1-emaWeight) + float64(d)*emaWeight
	if len(t.samples) < sampleWindow {
		t.samples = append(t.samples, float64(d))
		return
	}
	t.samples[t.next] = float64(d)
	t.next = (t.next + 1) % sampleWindow
}

// Counts returns how many successful and failed outcomes were recorded.
func (t *Tracker) Counts() (ok, failed uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.okN, t.failN
}

// AvgLatency returns the current EMA.
func (t *Tracker) AvgLatency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.avg)
}

// Percentile returns the p-th percentile of the sample window (0 when empty).
func (t *Tracker) Percentile(p float64) time.Duration {
	t.mu.Lock()
	data := stats.Float64Data(append([]float64(nil), t.samples...))
	t.mu.Unlock()
	if data.Len() == 0 {
		return 0
	}
	v, err := stats.Percentile(data, p)
	if err != nil {
		return 0
	}
	return time.Duration(v)
}

// Snapshot derives the performance view from the session counters.
func (t *Tracker) Snapshot(sent, successful, total int, elapsed time.Duration) Performance {
	rps := RequestsPerSecond(sent, elapsed)
	perf := Performance{
		AvgLatency:  t.AvgLatency(),
		P50Latency:  t.Percentile(50),
		P95Latency:  t.Percentile(95),
		RPS:         rps,
		SuccessRate: SuccessRate(successful, sent),
	}
	if remaining := total - sent; remaining > 0 && rps > 0 {
		perf.ETA = time.Duration(float64(remaining) / rps * float64(time.Second))
	}
	return perf
}

// SuccessRate is successful/sent*100, or 100 before any traffic has flowed.
func SuccessRate(successful, sent int) float64 {
	if sent <= 0 {
		return fullSuccessPc
	}
	return float64(successful) / float64(sent) * 100
}

// RequestsPerSecond is sent/elapsed seconds (0 when no time has elapsed).
func RequestsPerSecond(sent int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(sent) / secs
}
