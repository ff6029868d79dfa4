package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "pghook"

var registry *prometheus.Registry

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

type Histogram interface {
	Observe(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type NoopStat struct{}

func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Observe(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) With(labels ...string) Counter { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

var (
	// NotificationsTotal counts notifications received by channel
	NotificationsTotal CounterVec = noopCounterVec{}

	// DecodeFailuresTotal counts payloads that could not be decoded
	DecodeFailuresTotal Counter = NoopStat{}

	// DeliveriesTotal counts delivery attempts by result (success, failed)
	DeliveriesTotal CounterVec = noopCounterVec{}

	// DeliveryDurationSeconds measures the time spent in one delivery, retries included
	DeliveryDurationSeconds Histogram = NoopStat{}

	// ListenerState is the numeric listener state (see listener.State)
	ListenerState Gauge = NoopStat{}
)

func newCounterVec(name, help string, labels []string) CounterVec {
	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

func newCounter(name, help string) Counter {
	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(ret)
	return ret
}

func newGauge(name, help string) Gauge {
	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(ret)
	return ret
}

func newHistogram(name, help string) Histogram {
	ret := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	registry.MustRegister(ret)
	return ret
}

// Initialize swaps the no-op metrics for registered prometheus collectors.
// Without it every metric is a no-op and Handler returns nil.
func Initialize() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	NotificationsTotal = newCounterVec("notifications_total", "Notifications received.", []string{"channel"})
	DecodeFailuresTotal = newCounter("decode_failures_total", "Notification payloads that failed to decode.")
	DeliveriesTotal = newCounterVec("deliveries_total", "Webhook deliveries by result.", []string{"result"})
	DeliveryDurationSeconds = newHistogram("delivery_duration_seconds", "Webhook delivery latency.")
	ListenerState = newGauge("listener_state", "Current listener state.")

	log.Info().Msg("Prometheus metrics enabled")
}

func Handler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
