// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/dispatcher"
	"github.com/ariparti/ariparti/internal/metrics"
	"github.com/ariparti/ariparti/internal/transport/ddabus"
)

// newLeaderCmd builds the multi-host "distributed" mode leader entry point.
// The leader always runs at rank n+1 (internal/dispatcher.LeaderRank), one
// past the isolated coordinator, per spec.md §4.6's rank layout.
func newLeaderCmd() *cobra.Command {
	var configPath, brokerURL, metricsAddr string
	var numCoordinators int

	cmd := &cobra.Command{
		Use:   "leader",
		Short: "Run the leader (distributed mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeaderProcess(cmd.Context(), configPath, brokerURL, metricsAddr, numCoordinators)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to launcher JSON config")
	cmd.Flags().StringVarP(&brokerURL, "broker", "b", "tcp://localhost:1883", "MQTT broker URL for DDA communication")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().IntVarP(&numCoordinators, "n", "n", 0, "number of interactive coordinators in the cluster")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("n")

	return cmd
}

func runLeaderProcess(parent context.Context, configPath, brokerURL, metricsAddr string, n int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("leader: %w", err)
	}

	var met *metrics.Collector
	if metricsAddr != "" {
		met = metrics.NewCollector()
		if err := met.Serve(metricsAddr); err != nil {
			return fmt.Errorf("leader: metrics: %w", err)
		}
		defer met.Close()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	rank := dispatcher.LeaderRank(n)
	bus, err := ddabus.Open(ctx, rank, brokerURL)
	if err != nil {
		return fmt.Errorf("leader: %w", err)
	}
	defer bus.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			fmt.Fprintln(os.Stderr, "terminating leader on signal...")
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	result, err := dispatcher.Run(ctx, rank, n, cfg, bus, met)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}
