package relay

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/udprelayd/internal/interfaces"
)

// Observer is the relay's pluggable metrics/event collection surface.
// It is an alias of interfaces.Observer so internal packages and this
// public API share exactly one definition.
type Observer = interfaces.Observer

// Metrics tracks operational statistics for a running Relay.
type Metrics struct {
	FanOutDatagrams atomic.Uint64 // outward-inbound datagrams that triggered a fan-out
	FanOutAttempts  atomic.Uint64 // total per-relay enqueue attempts across all fan-outs
	FanOutBytes     atomic.Uint64 // bytes replicated (payload only, summed per relay)
	Forwarded       atomic.Uint64 // datagrams forwarded to the outward endpoint
	ForwardedBytes  atomic.Uint64
	Duplicates      atomic.Uint64 // relay datagrams dropped as duplicates
	Malformed       atomic.Uint64 // relay datagrams dropped as shorter than the header
	RelaysRemoved   atomic.Uint64 // relays removed due to a persistent socket error

	StartTime atomic.Int64 // UnixNano
}

// NewMetrics creates a new, zeroed metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without racing a running Relay.
type MetricsSnapshot struct {
	FanOutDatagrams uint64
	FanOutAttempts  uint64
	FanOutBytes     uint64
	Forwarded       uint64
	ForwardedBytes  uint64
	Duplicates      uint64
	Malformed       uint64
	RelaysRemoved   uint64
	UptimeNs        uint64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FanOutDatagrams: m.FanOutDatagrams.Load(),
		FanOutAttempts:  m.FanOutAttempts.Load(),
		FanOutBytes:     m.FanOutBytes.Load(),
		Forwarded:       m.Forwarded.Load(),
		ForwardedBytes:  m.ForwardedBytes.Load(),
		Duplicates:      m.Duplicates.Load(),
		Malformed:       m.Malformed.Load(),
		RelaysRemoved:   m.RelaysRemoved.Load(),
		UptimeNs:        uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
}

// NoOpObserver discards every event. relay.New does not fall back to
// it: without Options.Observer, New records into a fresh
// MetricsObserver.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFanOut(int, int)     {}
func (NoOpObserver) ObserveForwarded(int)       {}
func (NoOpObserver) ObserveDuplicate()          {}
func (NoOpObserver) ObserveMalformed()          {}
func (NoOpObserver) ObserveRelayRemoved(string) {}
func (NoOpObserver) ObserveQueueDepth(int, int) {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFanOut(relayCount, payloadBytes int) {
	o.metrics.FanOutDatagrams.Add(1)
	o.metrics.FanOutAttempts.Add(uint64(relayCount))
	o.metrics.FanOutBytes.Add(uint64(relayCount * payloadBytes))
}

func (o *MetricsObserver) ObserveForwarded(payloadBytes int) {
	o.metrics.Forwarded.Add(1)
	o.metrics.ForwardedBytes.Add(uint64(payloadBytes))
}

func (o *MetricsObserver) ObserveDuplicate() {
	o.metrics.Duplicates.Add(1)
}

func (o *MetricsObserver) ObserveMalformed() {
	o.metrics.Malformed.Add(1)
}

func (o *MetricsObserver) ObserveRelayRemoved(string) {
	o.metrics.RelaysRemoved.Add(1)
}

func (o *MetricsObserver) ObserveQueueDepth(int, int) {}

// Metrics exposes the underlying Metrics instance, for code that wants
// to read a snapshot alongside observing live events.
func (o *MetricsObserver) Metrics() *Metrics {
	return o.metrics
}

// PrometheusObserver implements Observer by exporting counters/gauges
// through github.com/prometheus/client_golang, so a daemon can expose
// /metrics the way a long-running network relay realistically would.
type PrometheusObserver struct {
	fanOutDatagrams prometheus.Counter
	fanOutBytes     prometheus.Counter
	forwarded       prometheus.Counter
	forwardedBytes  prometheus.Counter
	duplicates      prometheus.Counter
	malformed       prometheus.Counter
	relaysRemoved   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// NewPrometheusObserver creates a PrometheusObserver and registers its
// collectors with reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		fanOutDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udprelayd_fanout_datagrams_total",
			Help: "Outward-inbound datagrams that triggered a fan-out.",
		}),
		fanOutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udprelayd_fanout_bytes_total",
			Help: "Payload bytes replicated across all relays.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udprelayd_forwarded_datagrams_total",
			Help: "Datagrams forwarded to the outward endpoint.",
		}),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udprelayd_forwarded_bytes_total",
			Help: "Payload bytes forwarded to the outward endpoint.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udprelayd_duplicates_total",
			Help: "Relay datagrams dropped as duplicates.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udprelayd_malformed_total",
			Help: "Relay datagrams dropped as shorter than the header.",
		}),
		relaysRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udprelayd_relays_removed_total",
			Help: "Relays removed due to a persistent socket error, by op.",
		}, []string{"op"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "udprelayd_relay_queue_depth",
			Help: "Current send queue depth per relay index.",
		}, []string{"relay"}),
	}

	reg.MustRegister(o.fanOutDatagrams, o.fanOutBytes, o.forwarded, o.forwardedBytes,
		o.duplicates, o.malformed, o.relaysRemoved, o.queueDepth)
	return o
}

func (o *PrometheusObserver) ObserveFanOut(relayCount, payloadBytes int) {
	o.fanOutDatagrams.Inc()
	o.fanOutBytes.Add(float64(relayCount * payloadBytes))
}

func (o *PrometheusObserver) ObserveForwarded(payloadBytes int) {
	o.forwarded.Inc()
	o.forwardedBytes.Add(float64(payloadBytes))
}

func (o *PrometheusObserver) ObserveDuplicate() { o.duplicates.Inc() }
func (o *PrometheusObserver) ObserveMalformed() { o.malformed.Inc() }

func (o *PrometheusObserver) ObserveRelayRemoved(op string) {
	o.relaysRemoved.WithLabelValues(op).Inc()
}

func (o *PrometheusObserver) ObserveQueueDepth(relayIndex, depth int) {
	o.queueDepth.WithLabelValues(strconv.Itoa(relayIndex)).Set(float64(depth))
}

// Compile-time interface checks.
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*PrometheusObserver)(nil)
	_ Observer = NoOpObserver{}
)
