// Package metrics exports watchdog activity in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/types"
)

// Recorder holds the watchdog collectors on a private registry.
type Recorder struct {
	registry *prometheus.Registry
	watchdog string

	ticks     *prometheus.CounterVec
	kills     *prometheus.CounterVec
	load      *prometheus.GaugeVec
	threshold *prometheus.GaugeVec
	episodes  *prometheus.HistogramVec
}

// NewRecorder registers the collectors for one watchdog kind.
func NewRecorder(watchdog string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		watchdog: watchdog,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svadmin_ticks_total",
			Help: "Monitor ticks by resulting state.",
		}, []string{"watchdog", "state"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svadmin_kills_total",
			Help: "Termination attempts by outcome.",
		}, []string{"watchdog", "outcome"}),
		load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "svadmin_load",
			Help: "Most recent load reading.",
		}, []string{"watchdog"}),
		threshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "svadmin_threshold",
			Help: "Absolute begin and stop thresholds.",
		}, []string{"watchdog", "kind"}),
		episodes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "svadmin_episode_duration_seconds",
			Help:    "Wall time of enforcement episodes.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"watchdog"}),
	}
	r.registry.MustRegister(r.ticks, r.kills, r.load, r.threshold, r.episodes)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Tick records one monitor tick and the reading it produced.
func (r *Recorder) Tick(state types.State, reading types.LoadReading) {
	r.ticks.WithLabelValues(r.watchdog, string(state)).Inc()
	if state == types.StateError {
		return
	}
	r.load.WithLabelValues(r.watchdog).Set(reading.Load)
	if state != types.StateChecking {
		r.threshold.WithLabelValues(r.watchdog, "begin").Set(reading.Threshold)
	}
}

// StopThreshold records the absolute stop threshold seen during an episode.
func (r *Recorder) StopThreshold(v float64) {
	r.threshold.WithLabelValues(r.watchdog, "stop").Set(v)
}

// Episode records the outcome counts and duration of one episode.
func (r *Recorder) Episode(outcomes map[types.Outcome]int, d time.Duration) {
	for outcome, n := range outcomes {
		r.kills.WithLabelValues(r.watchdog, string(outcome)).Add(float64(n))
	}
	r.episodes.WithLabelValues(r.watchdog).Observe(d.Seconds())
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
