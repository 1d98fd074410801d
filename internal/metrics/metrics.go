// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	visitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_crawler_visits_total",
			Help: "Total number of visit attempts, labeled by CMP vendor and crawl state.",
		},
		[]string{"cmp", "state"},
	)

	consentRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consent_crawler_consent_records_total",
			Help: "Total number of consent records extracted.",
		},
	)

	visitTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consent_crawler_visit_timeouts_total",
			Help: "Total number of visits killed for exceeding the per-visit timeout.",
		},
	)

	orphanKillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consent_crawler_orphan_kills_total",
			Help: "Total number of orphaned browser processes killed by the sweep.",
		},
	)
)

// ObserveVisit records one completed visit attempt.
func ObserveVisit(cmp, state string, records int) {
	visitsTotal.WithLabelValues(cmp, state).Inc()
	if records > 0 {
		consentRecordsTotal.Add(float64(records))
	}
}

// ObserveVisitTimeout increments the per-visit timeout counter.
func ObserveVisitTimeout() {
	visitTimeoutsTotal.Inc()
}

// ObserveOrphanKill increments the orphan sweep kill counter.
func ObserveOrphanKill() {
	orphanKillsTotal.Inc()
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
