package resultscache

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors the teacher's stats package convention of a private
// prometheus.Registry rather than the global default registry
// (stats/common_prom.go's initProm), so racecore's process can expose
// multiple independently-scraped registries without collision.
type metrics struct {
	registry  *prometheus.Registry
	builds    *prometheus.CounterVec
	buildTime *prometheus.HistogramVec
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}
	m.builds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racecore_resultscache_builds_total",
		Help: "Leaderboard builds performed, by level.",
	}, []string{"level"})
	m.buildTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "racecore_resultscache_build_seconds",
		Help:    "Leaderboard build latency, by level.",
		Buckets: prometheus.DefBuckets,
	}, []string{"level"})
	m.hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racecore_resultscache_hits_total",
		Help: "Leaderboard reads served from a Valid cache entry, by level.",
	}, []string{"level"})
	m.misses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "racecore_resultscache_misses_total",
		Help: "Leaderboard reads that triggered a build, by level.",
	}, []string{"level"})
	m.registry.MustRegister(m.builds, m.buildTime, m.hits, m.misses)
	return m
}

func (m *metrics) Registry() *prometheus.Registry { return m.registry }
