// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Command ariparti launches the distributed SMT-solving control plane: the
leader, interactive and isolated coordinators described in spec.md §4, over
either an in-process "parallel" bus (single host, one process) or a
multi-host "distributed" bus backed by a DDA/MQTT broker.

For usage, run ariparti with -h or --help.
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ariparti/ariparti/internal/clog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "ariparti",
		Short: "Distributed parallel SMT-solving control plane",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				clog.Enable()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "log", "l", false, "show conditional logging output (for debugging)")

	root.AddCommand(newLaunchCmd())
	root.AddCommand(newCoordinatorCmd())
	root.AddCommand(newLeaderCmd())

	return root
}
