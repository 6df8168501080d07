package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the controller's Prometheus collectors.
type Metrics struct {
	reads           *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	lockContention  *prometheus.CounterVec
	adapterFetches  *prometheus.CounterVec
	persistErrors   *prometheus.CounterVec
	withheldFields  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfield_wx",
			Name:      "cache_reads_total",
			Help:      "Cache reads by site, data kind and cache state (miss, hit, stale).",
		}, []string{"site", "kind", "state"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfield_wx",
			Name:      "refreshes_total",
			Help:      "Refresh runs by site, data kind and outcome.",
		}, []string{"site", "kind", "outcome"}),
		refreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "airfield_wx",
			Name:      "refresh_duration_seconds",
			Help:      "Wall-clock duration of refresh runs.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		}, []string{"site", "kind"}),
		lockContention: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfield_wx",
			Name:      "refresh_lock_contention_total",
			Help:      "Stale reads that found another refresh already in flight.",
		}, []string{"site", "kind"}),
		adapterFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfield_wx",
			Name:      "adapter_fetches_total",
			Help:      "Adapter calls by site, source and status (ok, failed, skipped).",
		}, []string{"site", "source", "status"}),
		persistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfield_wx",
			Name:      "persist_errors_total",
			Help:      "Failed cache record writes.",
		}, []string{"site", "kind"}),
		withheldFields: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airfield_wx",
			Name:      "withheld_fields_total",
			Help:      "Fields nulled at serve time, by reason.",
		}, []string{"site", "reason"}),
	}
}
