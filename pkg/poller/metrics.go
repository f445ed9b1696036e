package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for polling runs. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Lookups by outcome: "ok", "absent" or a lookup failure kind
	Lookups *prometheus.CounterVec

	// Duration of single external lookups
	LookupLatency prometheus.Histogram

	// Lookups currently waiting on the external service
	InFlight prometheus.Gauge

	// Classification results by class
	Classified *prometheus.CounterVec

	// Batch flushes by result: "ok", "error"
	Flushes *prometheus.CounterVec

	// Records written to the store
	Persisted prometheus.Counter
}

// NewMetrics registers the poller metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "expirywatch_lookups_total",
			Help: "Expiry lookups by outcome",
		}, []string{"outcome"}),

		LookupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "expirywatch_lookup_duration_seconds",
			Help:    "Duration of expiry lookups against RDAP/WHOIS",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "expirywatch_lookups_in_flight",
			Help: "Expiry lookups currently in flight",
		}),

		Classified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "expirywatch_classified_total",
			Help: "Domains classified by lifecycle state",
		}, []string{"class"}),

		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "expirywatch_batch_flushes_total",
			Help: "Batched upserts by result",
		}, []string{"result"}),

		Persisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "expirywatch_records_persisted_total",
			Help: "Domain records written to the store",
		}),
	}
}

func (m *Metrics) lookupStarted() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) lookupFinished(outcome string, d time.Duration) {
	if m != nil {
		m.InFlight.Dec()
		m.Lookups.WithLabelValues(outcome).Inc()
		m.LookupLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) classified(class string) {
	if m != nil {
		m.Classified.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) flushed(ok bool, n int) {
	if m == nil {
		return
	}
	if !ok {
		m.Flushes.WithLabelValues("error").Inc()
		return
	}
	m.Flushes.WithLabelValues("ok").Inc()
	m.Persisted.Add(float64(n))
}
