// Package metrics exposes campaign progress as Prometheus metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

const namespace = "ammfuzz"

// maxScrapeConnections caps concurrent connections to the metrics endpoint.
const maxScrapeConnections = 8

// Collectors holds the campaign metrics. Each campaign registers its own set on its own registry, so several
// campaigns can run in one process.
type Collectors struct {
	registry *prometheus.Registry

	// Examples counts finished examples by the final machine state: exhausted, violated or abandoned.
	Examples *prometheus.CounterVec
	// Steps counts executed steps by operation.
	Steps *prometheus.CounterVec
	// Failures counts recorded failures by name.
	Failures *prometheus.CounterVec
	// BenignReverts counts steps that reverted with a reason configured as benign.
	BenignReverts *prometheus.CounterVec
	// DegradedReads counts pool fields defaulted after an unexpected read failure.
	DegradedReads *prometheus.CounterVec
	// StepDuration observes the wall-clock time of each step.
	StepDuration *prometheus.HistogramVec
	// ShrinkReplays counts replays spent minimizing traces.
	ShrinkReplays prometheus.Counter
	// ActiveWorkers is the number of workers currently running examples.
	ActiveWorkers prometheus.Gauge
	// PoolD is the last observed invariant value, as a float for display only.
	PoolD *prometheus.GaugeVec
}

// NewCollectors creates and registers the campaign metrics on a fresh registry.
func NewCollectors() *Collectors {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collectors{
		registry: registry,
		Examples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "examples_total",
			Help:      "Finished examples by outcome",
		}, []string{"outcome"}),
		Steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by operation",
		}, []string{"operation"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Recorded failures by name",
		}, []string{"name"}),
		BenignReverts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "benign_reverts_total",
			Help:      "Steps ended by a benign revert, by operation",
		}, []string{"operation"}),
		DegradedReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_reads_total",
			Help:      "Pool fields defaulted after an unexpected read failure",
		}, []string{"field"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of steps by operation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"operation"}),
		ShrinkReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shrink_replays_total",
			Help:      "Replays spent minimizing failing traces",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently running examples",
		}),
		PoolD: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_d",
			Help:      "Last observed invariant value per worker",
		}, []string{"worker"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve listens on address and serves /metrics until ctx is cancelled. It returns once the listener is bound; the
// returned channel receives the server's terminal error, if any.
func (c *Collectors) Serve(ctx context.Context, address string) (net.Addr, <-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not listen for metrics on %s", address)
	}
	listener = netutil.LimitListener(listener, maxScrapeConnections)
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return listener.Addr(), done, nil
}
