// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package dispatcher maps a rank number onto one of the three roles a
// process in a run can play, exactly as spec.md §4.6 lays out: ranks
// 0..N-1 run the interactive coordinator loop, rank N runs the isolated
// coordinator's pre-partitioning race, and rank N+1 runs the leader.
// Grounded on original_source/solver/run_AriParti_with_json.py's rank
// construction and the teacher's cmd/coordinator, cmd/worker role-at-
// startup split (two binaries there; here, one rank-parameterized entry
// point, since every role shares the same process image).
package dispatcher

import (
	"context"
	"fmt"

	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/coordinator"
	"github.com/ariparti/ariparti/internal/leader"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/metrics"
	"github.com/ariparti/ariparti/internal/transport"
)

// Role identifies which of the three process kinds a rank plays.
type Role int

const (
	RoleInteractiveCoordinator Role = iota
	RoleIsolatedCoordinator
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleInteractiveCoordinator:
		return "interactive-coordinator"
	case RoleIsolatedCoordinator:
		return "isolated-coordinator"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// RoleFor returns the role a given rank plays in a cluster with n
// interactive coordinators (ranks 0..n-1), matching spec.md §4.6: rank n is
// the isolated coordinator, rank n+1 is the leader.
func RoleFor(rank, n int) Role {
	switch {
	case rank < n:
		return RoleInteractiveCoordinator
	case rank == n:
		return RoleIsolatedCoordinator
	default:
		return RoleLeader
	}
}

// LeaderRank and IsolatedRank return the fixed ranks of those two singleton
// roles in a cluster with n interactive coordinators.
func IsolatedRank(n int) int { return n }
func LeaderRank(n int) int   { return n + 1 }

// Run dispatches to the role RoleFor(rank, n) selects and blocks until that
// role's work completes. For the leader, it returns the final verdict
// reported by leader.Leader.Run; for coordinator roles it returns "" since
// they only ever report back to the leader over bus.
func Run(ctx context.Context, rank, n int, cfg *config.Config, bus transport.Bus, met *metrics.Collector) (message.Result, error) {
	switch RoleFor(rank, n) {
	case RoleInteractiveCoordinator:
		return "", coordinator.New(rank, cfg, bus).Run(ctx)

	case RoleIsolatedCoordinator:
		targets := make([]int, n)
		for i := range targets {
			targets[i] = i
		}
		return "", coordinator.New(rank, cfg, bus).RunIsolated(ctx, cfg.FormulaFile, targets)

	case RoleLeader:
		if cfg.FormulaFile == "" {
			return "", fmt.Errorf("dispatcher: leader started with no formula file configured")
		}
		l := leader.New(n, cfg, bus, met)
		return l.Run(ctx, cfg.FormulaFile)

	default:
		return "", fmt.Errorf("dispatcher: rank %d matches no role for n=%d", rank, n)
	}
}
