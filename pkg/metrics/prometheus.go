package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink is the one non-trivial Sink the core ships: a thin
// adapter from the Sink interface onto a handful of prometheus collectors,
// registered against whatever Registerer the caller supplies (typically
// prometheus.DefaultRegisterer).
type PrometheusSink struct {
	refreshCommitted *prometheus.CounterVec
	refreshRows      *prometheus.CounterVec
	refreshDuration  *prometheus.HistogramVec
	refreshFailed    *prometheus.CounterVec
	routeDecisions   *prometheus.CounterVec
}

// NewPrometheusSink creates and registers the sink's collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		refreshCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accelerate",
			Name:      "refresh_committed_total",
			Help:      "Number of refresh tasks committed, by dataset and kind.",
		}, []string{"dataset", "kind"}),
		refreshRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accelerate",
			Name:      "refresh_rows_total",
			Help:      "Rows materialized by committed refresh tasks.",
		}, []string{"dataset", "kind"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "accelerate",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of committed refresh tasks.",
		}, []string{"dataset", "kind"}),
		refreshFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accelerate",
			Name:      "refresh_failed_total",
			Help:      "Number of refresh tasks that failed, by dataset and reason.",
		}, []string{"dataset", "kind", "reason"}),
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accelerate",
			Name:      "route_decisions_total",
			Help:      "Federation Planner route decisions, by dataset and route.",
		}, []string{"dataset", "route"}),
	}
	reg.MustRegister(s.refreshCommitted, s.refreshRows, s.refreshDuration, s.refreshFailed, s.routeDecisions)
	return s
}

func (s *PrometheusSink) RefreshCommitted(dataset, kind string, rows int64, d time.Duration) {
	s.refreshCommitted.WithLabelValues(dataset, kind).Inc()
	s.refreshRows.WithLabelValues(dataset, kind).Add(float64(rows))
	s.refreshDuration.WithLabelValues(dataset, kind).Observe(d.Seconds())
}

func (s *PrometheusSink) RefreshFailed(dataset, kind, reason string) {
	s.refreshFailed.WithLabelValues(dataset, kind, reason).Inc()
}

func (s *PrometheusSink) RouteDecided(dataset, route string) {
	s.routeDecisions.WithLabelValues(dataset, route).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
