// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/dispatcher"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/metrics"
	"github.com/ariparti/ariparti/internal/transport/membus"
)

// newLaunchCmd builds the single-host "parallel" mode entry point: it reads
// one launcher config, builds an in-process membus.Hub with one rank per
// interactive coordinator plus the isolated coordinator and the leader, and
// runs every rank as a goroutine in this one process, exactly as
// AriParti_launcher.py execs one process per rank but collapsed to
// goroutines since spec.md leaves the transport implementation-free.
func newLaunchCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run an entire solve in-process (single host, membus transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd.Context(), configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to launcher JSON config")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runLaunch(parent context.Context, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	n := len(cfg.WorkerNodeIPs)
	if n == 0 {
		return fmt.Errorf("launch: config has no worker_node_ips")
	}

	var met *metrics.Collector
	if metricsAddr != "" {
		met = metrics.NewCollector()
		if err := met.Serve(metricsAddr); err != nil {
			return fmt.Errorf("launch: metrics: %w", err)
		}
		defer met.Close()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			fmt.Fprintln(os.Stderr, "terminating ariparti launch on signal...")
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	hub := membus.NewHub(n + 2)

	var wg sync.WaitGroup
	var result message.Result
	var resultErr error

	for rank := 0; rank < n+2; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := dispatcher.Run(ctx, rank, n, cfg, hub.Bus(rank), met)
			if dispatcher.RoleFor(rank, n) == dispatcher.RoleLeader {
				result, resultErr = res, err
			}
		}()
	}

	wg.Wait()

	if resultErr != nil {
		return resultErr
	}
	fmt.Println(result)
	return nil
}
