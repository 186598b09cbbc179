package mqttclient

import (
	"strconv"
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics creates instruments. Implementations return the same instrument
// for the same name and labels.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Add(delta float64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Add(delta float64)
	Set(value float64)
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
}

// NoOpMetrics discards every measurement.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, MetricLabels) Counter     { return noOpInstrument{} }
func (NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return noOpInstrument{} }
func (NoOpMetrics) Histogram(string, MetricLabels) Histogram { return noOpInstrument{} }

type noOpInstrument struct{}

func (noOpInstrument) Add(float64)     {}
func (noOpInstrument) Set(float64)     {}
func (noOpInstrument) Observe(float64) {}

// Client metric names.
const (
	MetricConnects         = "mqtt_client_connects_total"
	MetricConnectionLost   = "mqtt_client_connection_lost_total"
	MetricReconnects       = "mqtt_client_reconnect_attempts_total"
	MetricPacketsSent      = "mqtt_client_packets_sent_total"
	MetricPacketsReceived  = "mqtt_client_packets_received_total"
	MetricMessagesSent     = "mqtt_client_messages_sent_total"
	MetricMessagesReceived = "mqtt_client_messages_received_total"
	MetricInFlight         = "mqtt_client_inflight_messages"
	MetricDeliveryLatency  = "mqtt_client_delivery_latency_seconds"
	MetricResent           = "mqtt_client_resent_packets_total"
)

// Metric labels.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
	LabelResult     = "result"
)

// clientMetrics records the client's standard instruments.
type clientMetrics struct {
	m Metrics
}

func newClientMetrics(m Metrics) *clientMetrics {
	if m == nil {
		m = NoOpMetrics{}
	}
	return &clientMetrics{m: m}
}

func (c *clientMetrics) connected() { c.m.Counter(MetricConnects, nil).Add(1) }

func (c *clientMetrics) connectionLost() { c.m.Counter(MetricConnectionLost, nil).Add(1) }

func (c *clientMetrics) reconnectAttempt() { c.m.Counter(MetricReconnects, nil).Add(1) }

func (c *clientMetrics) packetSent(t PacketType) {
	c.m.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: t.String()}).Add(1)
}

func (c *clientMetrics) packetReceived(t PacketType) {
	c.m.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: t.String()}).Add(1)
}

func (c *clientMetrics) messageSent(qos byte) {
	c.m.Counter(MetricMessagesSent, MetricLabels{LabelQoS: strconv.Itoa(int(qos))}).Add(1)
}

func (c *clientMetrics) messageReceived(qos byte) {
	c.m.Counter(MetricMessagesReceived, MetricLabels{LabelQoS: strconv.Itoa(int(qos))}).Add(1)
}

func (c *clientMetrics) inFlight(n int) { c.m.Gauge(MetricInFlight, nil).Set(float64(n)) }

func (c *clientMetrics) resent(n int) { c.m.Counter(MetricResent, nil).Add(float64(n)) }

// delivered records how long a QoS 1 or QoS 2 handshake took.
func (c *clientMetrics) delivered(qos byte, since time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	labels := MetricLabels{LabelQoS: strconv.Itoa(int(qos)), LabelResult: result}
	c.m.Histogram(MetricDeliveryLatency, labels).Observe(time.Since(since).Seconds())
}
