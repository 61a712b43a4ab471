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
	"github.com/ariparti/ariparti/internal/transport/ddabus"
)

// newCoordinatorCmd builds the multi-host "distributed" mode coordinator
// entry point: one process per rank, connected over a DDA/MQTT broker,
// replacing the teacher's single-purpose cmd/coordinator binary with a rank-
// parameterized subcommand (dispatcher already distinguishes interactive
// from isolated by rank).
func newCoordinatorCmd() *cobra.Command {
	var configPath, brokerURL string
	var rank, numCoordinators int

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run one coordinator rank (distributed mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRankProcess(cmd.Context(), configPath, brokerURL, rank, numCoordinators)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to launcher JSON config")
	cmd.Flags().StringVarP(&brokerURL, "broker", "b", "tcp://localhost:1883", "MQTT broker URL for DDA communication")
	cmd.Flags().IntVarP(&rank, "rank", "r", -1, "this process's rank")
	cmd.Flags().IntVarP(&numCoordinators, "n", "n", 0, "number of interactive coordinators in the cluster")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("rank")
	_ = cmd.MarkFlagRequired("n")

	return cmd
}

func runRankProcess(parent context.Context, configPath, brokerURL string, rank, n int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	bus, err := ddabus.Open(ctx, rank, brokerURL)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	defer bus.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			fmt.Fprintf(os.Stderr, "terminating coordinator rank %d on signal...\n", rank)
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	_, err = dispatcher.Run(ctx, rank, n, cfg, bus, nil)
	return err
}
