// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package metrics exposes the leader's scheduling state on a Prometheus
// /metrics endpoint, grounded on the registry/collector shape used in
// scttfrdmn-objectfs/internal/metrics (own prometheus.Registry, gauges and
// counters constructed and registered in one place, served via
// promhttp.Handler on a dedicated *http.Server).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the leader's Prometheus gauges and counters and the HTTP
// server that serves them.
type Collector struct {
	registry *prometheus.Registry
	server   *http.Server

	UnsatPercent       prometheus.Gauge
	IdleCoordinators   prometheus.Gauge
	SolvingCoordinators prometheus.Gauge
	SplitCount         prometheus.Counter
	SplitFailedCount   prometheus.Counter
	TreeNodeCount      prometheus.Gauge
}

// NewCollector builds and registers a leader's metric set under the
// "ariparti" namespace.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		UnsatPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ariparti",
			Subsystem: "leader",
			Name:      "unsat_percent",
			Help:      "Fraction of the search space the distributed tree root has proven unsat.",
		}),
		IdleCoordinators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ariparti",
			Subsystem: "leader",
			Name:      "idle_coordinators",
			Help:      "Number of coordinators currently idle and awaiting assignment.",
		}),
		SolvingCoordinators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ariparti",
			Subsystem: "leader",
			Name:      "solving_coordinators",
			Help:      "Number of coordinators currently solving an assigned node.",
		}),
		SplitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ariparti",
			Subsystem: "leader",
			Name:      "splits_total",
			Help:      "Total number of successful split assignments.",
		}),
		SplitFailedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ariparti",
			Subsystem: "leader",
			Name:      "splits_failed_total",
			Help:      "Total number of split attempts that failed.",
		}),
		TreeNodeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ariparti",
			Subsystem: "leader",
			Name:      "tree_nodes",
			Help:      "Number of nodes currently in the distributed tree.",
		}),
	}

	registry.MustRegister(
		c.UnsatPercent,
		c.IdleCoordinators,
		c.SolvingCoordinators,
		c.SplitCount,
		c.SplitFailedCount,
		c.TreeNodeCount,
	)

	return c
}

// Serve starts the /metrics HTTP endpoint on addr in the background.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Close shuts down the metrics HTTP server, if running.
func (c *Collector) Close() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}
