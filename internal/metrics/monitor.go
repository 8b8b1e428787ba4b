package metrics

import (
	"sort"
	"sync"
	"time"
)

// Monitor keeps counters and recent timer samples in memory, for the
// stats endpoint and for tests
type Monitor struct {
	mu         sync.RWMutex
	counters   map[string]float64
	samples    map[string][]time.Duration
	maxSamples int
	now        func() time.Time
}

// TimerStats summarises the retained samples of one timer
type TimerStats struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avgMs"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	MaxMs float64 `json:"maxMs"`
}

// MonitorStats is a point-in-time copy of everything the monitor holds
type MonitorStats struct {
	Counters map[string]float64    `json:"counters"`
	Timers   map[string]TimerStats `json:"timers"`
}

// NewMonitor creates a monitor keeping the last 1000 samples per timer
func NewMonitor() *Monitor {
	return &Monitor{
		counters:   make(map[string]float64),
		samples:    make(map[string][]time.Duration),
		maxSamples: 1000,
		now:        time.Now,
	}
}

// StartTimer starts a named timer
func (m *Monitor) StartTimer(name string) func() {
	start := m.now()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.observe(name, m.now().Sub(start))
		})
	}
}

// RecordMetric adds value to the named counter
func (m *Monitor) RecordMetric(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *Monitor) observe(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := append(m.samples[name], d)
	if len(s) > m.maxSamples {
		s = s[len(s)-m.maxSamples:]
	}
	m.samples[name] = s
}

// Counter returns the current value of a counter
func (m *Monitor) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// TimerCount returns how many samples are retained for a timer
func (m *Monitor) TimerCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples[name])
}

// GetStats returns current statistics
func (m *Monitor) GetStats() *MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &MonitorStats{
		Counters: make(map[string]float64, len(m.counters)),
		Timers:   make(map[string]TimerStats, len(m.samples)),
	}
	for name, v := range m.counters {
		stats.Counters[name] = v
	}
	for name, s := range m.samples {
		stats.Timers[name] = summarise(s)
	}
	return stats
}

func summarise(samples []time.Duration) TimerStats {
	if len(samples) == 0 {
		return TimerStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return TimerStats{
		Count: len(sorted),
		AvgMs: ms(total) / float64(len(sorted)),
		P95Ms: ms(percentile(sorted, 0.95)),
		P99Ms: ms(percentile(sorted, 0.99)),
		MaxMs: ms(sorted[len(sorted)-1]),
	}
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Reset clears all counters and samples
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters = make(map[string]float64)
	m.samples = make(map[string][]time.Duration)
}
