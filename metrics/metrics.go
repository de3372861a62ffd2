// Package metrics holds the process-wide Prometheus collectors shared
// across the cache, fetcher, proxy pool, and quadtree engine, mirroring
// the shape of the teacher's pmtiles/server_metrics.go: counters for
// events, gauges for current state. No latency histograms are kept.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// M bundles every collector this module registers. Tests construct
// their own via New() against a private registry so runs don't
// collide on the global default registerer.
type M struct {
	CacheRequests  *prometheus.CounterVec // labels: request_kind, result (hit|miss|invalid)
	ProxyAttempts  *prometheus.CounterVec // labels: proxy_addr, category, result
	ProxyRaceWins  *prometheus.CounterVec // labels: request_kind
	SplitCount     prometheus.Counter
	MergeCount     prometheus.Counter
	ShapeErrors    prometheus.Counter
	StartedTiles   prometheus.Gauge
	DispatchedTile *prometheus.CounterVec // labels: request_kind
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *M {
	m := &M{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "cache",
			Name:      "requests_total",
		}, []string{"request_kind", "result"}),
		ProxyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "proxy",
			Name:      "attempts_total",
		}, []string{"proxy_addr", "category", "result"}),
		ProxyRaceWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "proxy",
			Name:      "race_wins_total",
		}, []string{"request_kind"}),
		SplitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "quadtree",
			Name:      "splits_total",
		}),
		MergeCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "quadtree",
			Name:      "merges_total",
		}),
		ShapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "quadtree",
			Name:      "shape_errors_total",
		}),
		StartedTiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planetstream",
			Subsystem: "quadtree",
			Name:      "started_tiles",
		}),
		DispatchedTile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planetstream",
			Subsystem: "scheduler",
			Name:      "dispatched_total",
		}, []string{"request_kind"}),
	}

	reg.MustRegister(
		m.CacheRequests,
		m.ProxyAttempts,
		m.ProxyRaceWins,
		m.SplitCount,
		m.MergeCount,
		m.ShapeErrors,
		m.StartedTiles,
		m.DispatchedTile,
	)
	return m
}
