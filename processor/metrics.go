package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts processing outcomes. Counters are labelled by event
// type so a stuck producer shows up per type rather than as an
// aggregate blip.
type Metrics struct {
	Processed    *prometheus.CounterVec
	Duplicates   *prometheus.CounterVec
	Unhandled    *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
	Recovered    prometheus.Counter
}

// NewMetrics registers the processor counters with reg. A nil registerer
// yields working but unregistered counters, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "servicing_events_processed_total",
			Help: "Events applied to the projection store.",
		}, []string{"event_type"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "servicing_events_duplicate_total",
			Help: "Events skipped by the deduplication check.",
		}, []string{"event_type"}),
		Unhandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "servicing_events_unhandled_total",
			Help: "Events acknowledged without a registered handler.",
		}, []string{"event_type"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "servicing_events_failed_total",
			Help: "Handler failures, including retries.",
		}, []string{"event_type"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "servicing_events_dead_lettered_total",
			Help: "Events moved to the dead letter stream.",
		}, []string{"event_type"}),
		Recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "servicing_events_recovered_total",
			Help: "Pending entries claimed from previous consumers at startup.",
		}),
	}
}
