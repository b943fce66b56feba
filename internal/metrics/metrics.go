// Package metrics exposes estimation progress as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so several recorders can coexist in one
// process, which the tests rely on.
type Recorder struct {
	registry *prometheus.Registry

	Iterations    *prometheus.CounterVec
	LogLikelihood *prometheus.GaugeVec
	Outcomes      *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{registry: reg}
	r.Iterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridhmm_em_iterations_total",
		Help: "Likelihood evaluations performed by the EM driver.",
	}, []string{"topology"})
	r.LogLikelihood = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridhmm_log_likelihood",
		Help: "Most recent total log likelihood.",
	}, []string{"topology"})
	r.Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridhmm_estimations_total",
		Help: "Finished estimations by terminal status.",
	}, []string{"topology", "status"})
	r.Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridhmm_estimation_duration_seconds",
		Help:    "Wall time of one estimation run.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"topology"})
	reg.MustRegister(r.Iterations, r.LogLikelihood, r.Outcomes, r.Duration)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveIteration records one likelihood evaluation.
func (r *Recorder) ObserveIteration(topology string, logLikelihood float64) {
	r.Iterations.WithLabelValues(topology).Inc()
	r.LogLikelihood.WithLabelValues(topology).Set(logLikelihood)
}

// ObserveOutcome records the terminal status of one run.
func (r *Recorder) ObserveOutcome(topology, status string, elapsed time.Duration) {
	r.Outcomes.WithLabelValues(topology, status).Inc()
	r.Duration.WithLabelValues(topology).Observe(elapsed.Seconds())
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until the returned stop function runs.
func (r *Recorder) Serve(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
	}
}
