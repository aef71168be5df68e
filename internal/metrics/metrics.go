package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors, labelled by watcher id.
type Metrics struct {
	delivered     *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	lastBlock     *prometheus.GaugeVec
	state         *prometheus.GaugeVec
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds a Metrics set registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_watcher_occurrences_delivered_total",
			Help: "Total number of event occurrences handed to the handler",
		}, []string{"watcher"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_watcher_decode_errors_total",
			Help: "Total number of logs skipped because they could not be decoded",
		}, []string{"watcher"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_watcher_handler_errors_total",
			Help: "Total number of handler invocations that failed or panicked",
		}, []string{"watcher"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_watcher_reconnects_total",
			Help: "Total number of transport reconnect attempts",
		}, []string{"watcher"}),
		lastBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_watcher_last_block",
			Help: "Block number of the last delivered occurrence",
		}, []string{"watcher"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_watcher_state",
			Help: "Current watcher state (0 idle, 1 connecting, 2 subscribed, 3 delivering, 4 reconnecting, 5 stopped)",
		}, []string{"watcher"}),
	}
	reg.MustRegister(
		m.delivered,
		m.decodeErrors,
		m.handlerErrors,
		m.reconnects,
		m.lastBlock,
		m.state,
	)
	return m
}

// Delivered records a successful handler invocation at block.
func (m *Metrics) Delivered(watcher string, block uint64) {
	if m != nil {
		m.delivered.WithLabelValues(watcher).Inc()
		m.lastBlock.WithLabelValues(watcher).Set(float64(block))
	}
}

// DecodeError increments the decode error counter.
func (m *Metrics) DecodeError(watcher string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(watcher).Inc()
	}
}

// HandlerError increments the handler error counter.
func (m *Metrics) HandlerError(watcher string) {
	if m != nil {
		m.handlerErrors.WithLabelValues(watcher).Inc()
	}
}

// Reconnect increments the reconnect counter.
func (m *Metrics) Reconnect(watcher string) {
	if m != nil {
		m.reconnects.WithLabelValues(watcher).Inc()
	}
}

// State publishes the numeric watcher state.
func (m *Metrics) State(watcher string, state int) {
	if m != nil {
		m.state.WithLabelValues(watcher).Set(float64(state))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
