package mqttclient

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryMetrics keeps measurements in memory. It is meant for tests and
// for inspecting a client without an exporter.
type MemoryMetrics struct {
	mu    sync.Mutex
	sums  map[string]*memoryValue
	hists map[string]*memoryHistogram
}

// NewMemoryMetrics creates an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		sums:  make(map[string]*memoryValue),
		hists: make(map[string]*memoryHistogram),
	}
}

// metricKey renders name and labels with labels in key order.
func metricKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func (m *MemoryMetrics) value(name string, labels MetricLabels) *memoryValue {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.sums[key]
	if !ok {
		v = &memoryValue{}
		m.sums[key] = v
	}
	return v
}

// Counter implements Metrics.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.value(name, labels)
}

// Gauge implements Metrics.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.value(name, labels)
}

// Histogram implements Metrics.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hists[key]
	if !ok {
		h = &memoryHistogram{}
		m.hists[key] = h
	}
	return h
}

// Value returns the current value of a counter or gauge.
func (m *MemoryMetrics) Value(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	v, ok := m.sums[metricKey(name, labels)]
	m.mu.Unlock()

	if !ok {
		return 0
	}
	return v.load()
}

// Observations returns the count and sum recorded by a histogram.
func (m *MemoryMetrics) Observations(name string, labels MetricLabels) (uint64, float64) {
	m.mu.Lock()
	h, ok := m.hists[metricKey(name, labels)]
	m.mu.Unlock()

	if !ok {
		return 0, 0
	}
	return h.count.Load(), h.sum.load()
}

type memoryValue struct {
	bits atomic.Uint64
}

func (v *memoryValue) Add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (v *memoryValue) Set(value float64) { v.bits.Store(math.Float64bits(value)) }

func (v *memoryValue) load() float64 { return math.Float64frombits(v.bits.Load()) }

type memoryHistogram struct {
	count atomic.Uint64
	sum   memoryValue
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.Add(value)
}
