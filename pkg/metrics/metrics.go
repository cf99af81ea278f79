// Package metrics exposes Prometheus collectors for the supervisor
// engine: restart/crash-loop counters, resource gauges, and health-check
// outcome counters, each labeled by process name. The /metrics HTTP
// endpoint is opt-in and off by default.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oxipm",
		Name:      "restarts_total",
		Help:      "Total number of explicit restart requests dispatched to an instance; respawns after a crash, reload, or health/memory/max-uptime cycle are not counted.",
	}, []string{"name"})

	crashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oxipm",
		Name:      "crashes_total",
		Help:      "Total number of exits classified as a crash.",
	}, []string{"name"})

	crashLoopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oxipm",
		Name:      "crash_loops_total",
		Help:      "Total number of times an instance exhausted max_restarts and entered Errored.",
	}, []string{"name"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oxipm",
		Name:      "health_checks_total",
		Help:      "Total health check verdicts, labeled by outcome.",
	}, []string{"name", "outcome"})

	cpuPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "oxipm",
		Name:      "cpu_percent",
		Help:      "Most recent CPU percent sample for an instance.",
	}, []string{"name"})

	rssBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "oxipm",
		Name:      "rss_bytes",
		Help:      "Most recent resident set size sample for an instance.",
	}, []string{"name"})

	instancesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "oxipm",
		Name:      "instances",
		Help:      "Number of managed instances currently in each status.",
	}, []string{"status"})
)

func ObserveRestart(name string)  { restartsTotal.WithLabelValues(name).Inc() }
func ObserveCrash(name string)    { crashesTotal.WithLabelValues(name).Inc() }
func ObserveCrashLoop(name string) { crashLoopsTotal.WithLabelValues(name).Inc() }

func ObserveHealthCheck(name string, healthy bool) {
	outcome := "pass"
	if !healthy {
		outcome = "fail"
	}
	healthChecksTotal.WithLabelValues(name, outcome).Inc()
}

func ObserveResource(name string, cpu float64, rss int64) {
	cpuPercent.WithLabelValues(name).Set(cpu)
	rssBytes.WithLabelValues(name).Set(float64(rss))
}

// SetInstanceCounts replaces the whole instances-by-status gauge vector
// with a fresh snapshot, called periodically by the daemon's main loop.
func SetInstanceCounts(counts map[string]int) {
	instancesByStatus.Reset()
	for status, n := range counts {
		instancesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Server serves /metrics when the daemon config opts in.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
