package attribution

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the attribution consumer.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	PassesTotal       *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	TransitionsTotal  *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	InFlight          prometheus.Gauge
	PassDuration      prometheus.Histogram
	ThresholdsVersion prometheus.Gauge
}

// NewMetrics registers the consumer metrics once per process.
//
// Metrics:
//   - groove_attribution_events_total{result} - outcome events by result
//   - groove_attribution_passes_total{skipped} - learning passes by skip reason
//   - groove_attribution_errors_total{class} - error records by class
//   - groove_attribution_transitions_total{to} - status transitions
//   - groove_attribution_retries_total - transient retries
//   - groove_attribution_in_flight - events currently being processed
//   - groove_attribution_pass_duration_seconds - per-learning pass latency
//   - groove_thresholds_version - current threshold snapshot version
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "groove_attribution_events_total",
					Help: "Total outcome events handled",
				},
				[]string{"result"}, // "processed", "invalid", "duplicate"
			),
			PassesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "groove_attribution_passes_total",
					Help: "Total per-learning attribution passes",
				},
				[]string{"skipped"},
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "groove_attribution_errors_total",
					Help: "Total error records written",
				},
				[]string{"class"},
			),
			TransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "groove_attribution_transitions_total",
					Help: "Total learning status transitions",
				},
				[]string{"to"},
			),
			RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "groove_attribution_retries_total",
				Help: "Total retries after transient failures",
			}),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "groove_attribution_in_flight",
				Help: "Outcome events currently in flight",
			}),
			PassDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "groove_attribution_pass_duration_seconds",
				Help:    "Duration of one learning's attribution pass",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			}),
			ThresholdsVersion: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "groove_thresholds_version",
				Help: "Version of the active threshold snapshot",
			}),
		}
	})
	return globalMetrics
}
