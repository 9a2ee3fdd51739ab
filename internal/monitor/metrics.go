package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trend_core"

// Metrics holds the Prometheus collectors for a trading session. All
// methods are safe on a nil receiver so callers can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	barsProcessed prometheus.Counter
	cycleSeconds  prometheus.Histogram
	signals       *prometheus.CounterVec
	orders        *prometheus.CounterVec
	stopMoves     *prometheus.CounterVec
	feedErrors    prometheus.Counter
	brokerErrors  *prometheus.CounterVec
	equity        prometheus.Gauge
	drawdown      prometheus.Gauge
	killState     prometheus.Gauge
	openPositions prometheus.Gauge
	apiRequests   *prometheus.CounterVec
	apiLatency    prometheus.Histogram
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		barsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bars_processed_total", Help: "Closed bars run through the pipeline",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "bar_cycle_seconds", Help: "Time spent processing one bar",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total", Help: "Entry signals emitted",
		}, []string{"direction"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total", Help: "Entry orders sent to the broker",
		}, []string{"direction", "result"}),
		stopMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stop_modifications_total", Help: "Stop moves accepted by the broker",
		}, []string{"reason"}),
		feedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_errors_total", Help: "Failed bar fetches",
		}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broker_errors_total", Help: "Failed broker calls",
		}, []string{"op"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_equity", Help: "Last observed account equity",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "equity_drawdown_ratio", Help: "Drawdown from session starting equity",
		}),
		killState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "kill_switch_state", Help: "0 unarmed, 1 armed, 2 triggered",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions", Help: "Strategy-owned open positions",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total", Help: "HTTP API requests",
		}, []string{"method", "status"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "api_request_seconds", Help: "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.barsProcessed, m.cycleSeconds, m.signals, m.orders, m.stopMoves,
		m.feedErrors, m.brokerErrors, m.equity, m.drawdown, m.killState,
		m.openPositions, m.apiRequests, m.apiLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc exposes an externally owned value, e.g. journal backlog.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) ObserveBar(d time.Duration) {
	if m == nil {
		return
	}
	m.barsProcessed.Inc()
	m.cycleSeconds.Observe(d.Seconds())
}

func (m *Metrics) Signal(direction string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(direction).Inc()
}

func (m *Metrics) Order(direction string, err error) {
	if m == nil {
		return
	}
	result := "filled"
	if err != nil {
		result = "rejected"
	}
	m.orders.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) StopMoved(reason string) {
	if m == nil {
		return
	}
	m.stopMoves.WithLabelValues(reason).Inc()
}

func (m *Metrics) FeedError() {
	if m == nil {
		return
	}
	m.feedErrors.Inc()
}

func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(op).Inc()
}

// SetAccount records the latest equity and drawdown.
func (m *Metrics) SetAccount(equity, drawdown float64) {
	if m == nil {
		return
	}
	m.equity.Set(equity)
	m.drawdown.Set(drawdown)
}

// SetKillState maps the kill switch state name onto the gauge.
func (m *Metrics) SetKillState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "ARMED":
		m.killState.Set(1)
	case "TRIGGERED":
		m.killState.Set(2)
	default:
		m.killState.Set(0)
	}
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// ObserveAPI records one HTTP request.
func (m *Metrics) ObserveAPI(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, statusClass(status)).Inc()
	m.apiLatency.Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
