// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/partitioner"
	"github.com/ariparti/ariparti/internal/tree"
)

// prePartitionBudget bounds how long the isolated coordinator spends
// harvesting initial leaves before giving up and handing whatever it found
// to distributed coordinators, matching the 20-second wall-clock budget of
// pre_partition in the system this is modeled on.
const prePartitionBudget = 20 * time.Second

// RunIsolated runs the isolated coordinator role: before any distributed
// coordinator has work, it races a short pre-partitioning pass against the
// whole formula, harvesting up to len(targets) new nodes in the order the
// partitioner announces them, and hands one harvested node directly to each
// target rank (bypassing the leader's split protocol, since no coordinator
// owns anything yet to be split from). If every target received a node, or
// the local tree is already resolved, it returns without working the rest
// of its own tree; otherwise it works the rest through the normal round
// loop.
func (c *Coordinator) RunIsolated(ctx context.Context, formulaFile string, targets []int) error {
	c.resetRound()

	workDir, err := c.prepareWorkDir()
	if err != nil {
		return err
	}
	c.workDir = workDir

	rootPath := filepath.Join(workDir, "task-root.smt2")
	if err := copyFile(formulaFile, rootPath); err != nil {
		return err
	}

	part, err := partitioner.Start(c.cfg.Partitioner, []string{rootPath}, workDir)
	if err != nil {
		return err
	}
	c.part = part
	c.tree.AssignNode(c.nodeID, part)

	deadline := time.NewTimer(prePartitionBudget)
	defer deadline.Stop()

	leaves := make([]int, 0, len(targets))
	harvesting := true
	for harvesting && len(leaves) < len(targets) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			harvesting = false
		default:
			line, ok := c.part.ReceiveMessage()
			if !ok {
				if c.part.Done() {
					harvesting = false
				}
				continue
			}
			switch line.Kind {
			case partitioner.LineUnknownNode:
				id, created := c.growNode(line.PID, line.PPID)
				if created {
					leaves = append(leaves, id)
				}
			case partitioner.LineUnsatNode:
				id, _ := c.growNode(line.PID, line.PPID)
				c.tree.NodeSolved(id, tree.StatusUnsat, tree.ReasonPartitioner)
			case partitioner.LineResultSat, partitioner.LineResultUnsat, partitioner.LineResultUnknown:
				c.tree.NodeSolved(c.nodeID, statusForPartitionerResult(line.Kind), tree.ReasonPartitioner)
				harvesting = false
			}
		}
	}

	_ = c.part.Terminate()

	for i, target := range targets {
		if i >= len(leaves) {
			break
		}
		body, err := os.ReadFile(c.taskFilePath(leaves[i]))
		if err != nil {
			c.Errorf("failed reading pre-partitioned leaf %d: %v", leaves[i], err)
			continue
		}
		payload, _ := marshal(message.SendSubnodePayload{NodeID: leaves[i], Body: body})
		_ = c.bus.Send(ctx, target, message.Envelope{Tag: message.TagPayload, Kind: message.C2CSendSubnode.String(), Body: payload})
		c.tree.SetNodeSplit(leaves[i])
	}

	donePayload, _ := marshal(message.PrePartitionDonePayload{LeafCount: len(leaves)})
	_ = c.bus.Send(ctx, c.leaderRank(), message.Envelope{Tag: message.TagControl, Kind: message.C2LPrePartitionDone.String(), Body: donePayload})

	if c.tree.IsDone() || len(leaves) == len(targets) {
		return nil
	}

	// The isolated coordinator now works whatever remains of its own
	// subtree through the ordinary round loop, reusing the tree/partitioner
	// state already built up by the harvest above instead of starting a
	// fresh round.
	return c.continueIsolatedRound(ctx)
}

// continueIsolatedRound resumes the round loop for whatever part of the
// pre-partitioned tree the isolated coordinator kept for itself. Every
// harvested node has already been handed to a target rank by then, and the
// partitioner has already been terminated, so pumpRound only drains lines
// it wrote before that; once it is done, a root with no children falls
// back to the base-solver pool as in a normal round, and request_split/
// terminate are answered the same way.
func (c *Coordinator) continueIsolatedRound(ctx context.Context) error {
	defer c.cleanupRound()
	return c.pumpRound(ctx, c.nodeID)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
