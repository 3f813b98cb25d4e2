// Package metrics exposes Prometheus instrumentation for the control loop.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_cycles_total",
		Help: "Optimization cycles run, by result",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autotune_cycle_duration_seconds",
		Help:    "Wall-clock duration of optimization cycles",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	SamplesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotune_samples_collected_total",
		Help: "Metric samples written by the collector",
	})

	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_probe_failures_total",
		Help: "Failed or timed-out probe measurements",
	}, []string{"probe"})

	InteractionsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotune_interactions_ingested_total",
		Help: "Interaction records accepted from telemetry",
	})

	Patterns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotune_patterns",
		Help: "Patterns found in the last analysis, by kind",
	}, []string{"kind"})

	Candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_candidates_total",
		Help: "Planned candidates, by disposition",
	}, []string{"disposition"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_outcomes_total",
		Help: "Terminal optimization outcomes, by state and reason",
	}, []string{"state", "reason"})

	RecordsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotune_records",
		Help: "Optimization records, by state",
	}, []string{"state"})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		slog.Info("Metrics: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
