// Package otelmetrics exports client instruments through an OpenTelemetry
// meter.
package otelmetrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vitalvas/mqttclient"
)

// DefaultMeterName is the instrumentation scope used by New with a nil
// provider.
const DefaultMeterName = "github.com/vitalvas/mqttclient"

// Metrics implements mqttclient.Metrics on top of an OpenTelemetry meter.
// Instruments are created once per name; labels become attributes.
type Metrics struct {
	meter metric.Meter

	mu          sync.Mutex
	counters    map[string]metric.Float64Counter
	gauges      map[string]metric.Float64Gauge
	histograms  map[string]metric.Float64Histogram
	gaugeValues map[string]*gauge
}

var _ mqttclient.Metrics = (*Metrics)(nil)

// New returns metrics backed by provider. A nil provider uses the global one.
func New(provider metric.MeterProvider) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	return &Metrics{
		meter:       provider.Meter(DefaultMeterName),
		counters:    make(map[string]metric.Float64Counter),
		gauges:      make(map[string]metric.Float64Gauge),
		histograms:  make(map[string]metric.Float64Histogram),
		gaugeValues: make(map[string]*gauge),
	}
}

func attributes(labels mqttclient.MetricLabels) metric.MeasurementOption {
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return metric.WithAttributeSet(attribute.NewSet(kvs...))
}

func seriesKey(name string, labels mqttclient.MetricLabels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func unit(name string) string {
	if strings.HasSuffix(name, "_seconds") {
		return "s"
	}
	return "1"
}

// Counter returns a monotonic counter series.
func (m *Metrics) Counter(name string, labels mqttclient.MetricLabels) mqttclient.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.counters[name]
	if !ok {
		var err error
		inst, err = m.meter.Float64Counter(name, metric.WithUnit(unit(name)))
		if err != nil {
			otel.Handle(err)
			inst = noop.Float64Counter{}
		}
		m.counters[name] = inst
	}
	return &counter{inst: inst, attrs: attributes(labels)}
}

// Gauge returns a gauge series. Add is applied to the last value recorded
// through this Metrics.
func (m *Metrics) Gauge(name string, labels mqttclient.MetricLabels) mqttclient.Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seriesKey(name, labels)
	if g, ok := m.gaugeValues[key]; ok {
		return g
	}

	inst, ok := m.gauges[name]
	if !ok {
		var err error
		inst, err = m.meter.Float64Gauge(name, metric.WithUnit(unit(name)))
		if err != nil {
			otel.Handle(err)
			inst = noop.Float64Gauge{}
		}
		m.gauges[name] = inst
	}

	g := &gauge{inst: inst, attrs: attributes(labels)}
	m.gaugeValues[key] = g
	return g
}

// Histogram returns a histogram series.
func (m *Metrics) Histogram(name string, labels mqttclient.MetricLabels) mqttclient.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.histograms[name]
	if !ok {
		var err error
		inst, err = m.meter.Float64Histogram(name, metric.WithUnit(unit(name)))
		if err != nil {
			otel.Handle(err)
			inst = noop.Float64Histogram{}
		}
		m.histograms[name] = inst
	}
	return &histogram{inst: inst, attrs: attributes(labels)}
}

type counter struct {
	inst  metric.Float64Counter
	attrs metric.MeasurementOption
}

func (c *counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.inst.Add(context.Background(), delta, c.attrs)
}

type gauge struct {
	inst  metric.Float64Gauge
	attrs metric.MeasurementOption

	mu    sync.Mutex
	value float64
}

func (g *gauge) Add(delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value += delta
	g.inst.Record(context.Background(), g.value, g.attrs)
}

func (g *gauge) Set(value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
	g.inst.Record(context.Background(), g.value, g.attrs)
}

type histogram struct {
	inst  metric.Float64Histogram
	attrs metric.MeasurementOption
}

func (h *histogram) Observe(value float64) {
	h.inst.Record(context.Background(), value, h.attrs)
}
