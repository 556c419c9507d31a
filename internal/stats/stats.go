package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// Monitor records probe round-trip latencies for one scan using an HDR
// histogram. Only requests that produced a response are recorded; immediate
// transport failures would skew the minimum.
type Monitor struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
}

// NewMonitor creates a latency monitor covering 1µs..5min with 3 significant
// figures.
func NewMonitor() *Monitor {
	return &Monitor{
		histogram: hdrhistogram.New(1, 300_000_000, 3),
	}
}

// Record adds one probe round-trip. gotResponse is false for transport
// errors, which are counted elsewhere and skipped here.
func (m *Monitor) Record(latency time.Duration, gotResponse bool) {
	if !gotResponse {
		return
	}
	m.mu.Lock()
	_ = m.histogram.RecordValue(latency.Microseconds())
	m.mu.Unlock()
}

// Reset clears all recorded values.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.histogram.Reset()
	m.mu.Unlock()
}

// Summary returns the current latency percentiles.
func (m *Monitor) Summary() models.LatencySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.histogram
	return models.LatencySummary{
		P50: time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90: time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P99: time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Max: time.Duration(h.Max()) * time.Microsecond,
	}
}
