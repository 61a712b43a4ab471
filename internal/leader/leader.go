// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package leader implements the leader role: it owns the global
// DistributedTree, hands the root to coordinator rank 0, keeps an
// idle-coordinator queue, asks a round-robin-with-tabu-selected busy
// coordinator to split whenever an idle coordinator needs work, aggregates
// sat/unsat verdicts, and returns the final verdict to its caller (which
// prints it). The isolated coordinator's pre_partition_done report is only
// logged: the leader creates no tree nodes for the pre-partitioned leaves
// and assigns them to no coordinator. No elapsed time or model is returned
// alongside the verdict.
package leader

import (
	"context"
	"time"

	"github.com/ariparti/ariparti/internal/clog"
	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/metrics"
	"github.com/ariparti/ariparti/internal/solverproc"
	"github.com/ariparti/ariparti/internal/transport"
	"github.com/ariparti/ariparti/internal/tree"
)

// Leader is the top-rank process coordinating a run.
type Leader struct {
	*clog.CLogger
	cfg  *config.Config
	bus  transport.Bus
	tree *tree.DistributedTree
	sched *scheduler
	met  *metrics.Collector

	idle []int // FIFO of idle coordinator ranks awaiting assignment

	original  *solverproc.Proc
	now       func() time.Time
	startTime time.Time
}

// Elapsed returns the wall-clock time since Run started.
func (l *Leader) Elapsed() time.Duration { return l.now().Sub(l.startTime) }

// New creates a Leader for a cluster with the given number of distributed
// coordinator ranks (the isolated coordinator and the leader itself occupy
// the two ranks above that range — see internal/dispatcher).
func New(numCoordinators int, cfg *config.Config, bus transport.Bus, met *metrics.Collector) *Leader {
	now := time.Now
	tabu := time.Duration(cfg.SplitTabuSeconds * float64(time.Second))
	return &Leader{
		CLogger: clog.New("leader", bus.Rank()),
		cfg:     cfg,
		bus:     bus,
		tree:    tree.NewDistributedTree(now),
		sched:   newScheduler(numCoordinators, tabu, now),
		met:     met,
		now:     now,
	}
}

// Run drives a full solve: assigns the root node, optionally races the
// monolithic base solver against it, pumps coordinator reports, and returns
// the final verdict once the tree (or the race) resolves. When the configured
// timeout expires it returns message.ResultTimeout with a nil error; an error
// is returned only when ctx is done first.
func (l *Leader) Run(ctx context.Context, formulaFile string) (message.Result, error) {
	l.startTime = l.now()

	if l.cfg.RaceOriginal {
		proc, err := solverproc.Start(l.cfg.BaseSolver, formulaFile)
		if err != nil {
			l.Errorf("failed starting original solve race: %v", err)
		} else {
			l.original = proc
		}
	}

	l.assignRoot(ctx)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := l.cfg.Timeout()
	var deadlineCh <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadlineCh:
			l.terminateAll(ctx)
			return message.ResultTimeout, nil
		case <-ticker.C:
			if l.original != nil {
				if done, result := l.original.Poll(); done {
					l.tree.OriginalSolved(statusFor(result))
				}
			}
			l.drainReports(ctx)
			l.reportMetrics()
			l.Printf("coordinator status:\n%s", l.statusTable())
			if l.tree.IsDone() {
				l.terminateAll(ctx)
				return terminalResult(l.tree.Root().Status), nil
			}
			l.assignIdle(ctx)
		}
	}
}

// assignRoot hands the whole formula to the first idle coordinator (rank 0
// of the distributed coordinator range), mirroring assign_root_node.
func (l *Leader) assignRoot(ctx context.Context) {
	nodeID := l.tree.AssignRootNode(0)
	l.sched.assign(0, nodeID)
	l.send(ctx, 0, message.L2CAssignNode, message.AssignNodePayload{NodeID: nodeID, IsRoot: true, RaceOrig: l.cfg.RaceOriginal})
}

// drainReports processes every C2L envelope currently buffered, one
// non-blocking receive at a time, so a burst of coordinator replies never
// stalls the idle-assignment pass that follows.
func (l *Leader) drainReports(ctx context.Context) {
	for {
		env, ok := l.bus.TryRecv(message.TagControl)
		if !ok {
			return
		}
		l.handleReport(ctx, env)
	}
}

func (l *Leader) handleReport(ctx context.Context, env message.Envelope) {
	switch env.Kind {
	case message.C2LSplitSucceed.String():
		var p message.SplitSucceedPayload
		if unmarshal(env.Body, &p) != nil {
			return
		}
		l.idle = removeRank(l.idle, p.TargetRank)
		childID := l.tree.SplitNode(l.sched.coordinators[env.SrcRank].assignedNode, p.TargetRank)
		l.sched.assign(p.TargetRank, childID)
		l.sched.split(env.SrcRank)
		if l.met != nil {
			l.met.SplitCount.Inc()
		}
		l.send(ctx, p.TargetRank, message.L2CAssignNode, message.AssignNodePayload{NodeID: childID, SplitFrom: env.SrcRank})

	case message.C2LSplitFailed.String():
		var p message.SplitFailedPayload
		if unmarshal(env.Body, &p) != nil {
			return
		}
		l.pushIdle(p.TargetRank)
		l.sched.split(env.SrcRank)
		if l.met != nil {
			l.met.SplitFailedCount.Inc()
		}

	case message.C2LNotifyResult.String():
		var p message.NotifyResultPayload
		if unmarshal(env.Body, &p) != nil {
			return
		}
		l.tree.NodePartialSolved(p.NodeID, statusFor(p.Result), tree.ReasonCoordinator)
		l.sched.release(env.SrcRank)
		if !l.tree.IsDone() {
			l.pushIdle(env.SrcRank)
		}

	case message.C2LNotifyError.String():
		var p message.NotifyErrorPayload
		if unmarshal(env.Body, &p) != nil {
			return
		}
		l.Errorf("coordinator %d reported error on node %d: %s", env.SrcRank, p.NodeID, p.Reason)
		l.tree.NodePartialSolved(p.NodeID, tree.StatusError, tree.ReasonCoordinator)

	case message.C2LPrePartitionDone.String():
		var p message.PrePartitionDonePayload
		if unmarshal(env.Body, &p) != nil {
			return
		}
		l.Printf("isolated coordinator pre-partitioned %d leaves", p.LeafCount)

	default:
		l.Errorf("unexpected report kind %q from rank %d", env.Kind, env.SrcRank)
	}
}

// assignIdle pairs every currently idle coordinator with a split candidate
// selected by round-robin-with-tabu, sending request_split to the busy
// coordinator; the idle coordinator itself only receives assign_node once
// the busy coordinator replies split_succeed.
func (l *Leader) assignIdle(ctx context.Context) {
	for len(l.idle) > 0 {
		candidate, ok := l.sched.selectSplitCandidate()
		if !ok {
			return
		}
		target := l.idle[0]
		l.idle = l.idle[1:]
		l.send(ctx, candidate, message.L2CRequestSplit, message.RequestSplitPayload{TargetRank: target})
	}
}

func (l *Leader) pushIdle(rank int) {
	l.idle = append(l.idle, rank)
}

func removeRank(ranks []int, rank int) []int {
	out := ranks[:0]
	for _, r := range ranks {
		if r != rank {
			out = append(out, r)
		}
	}
	return out
}

func (l *Leader) terminateAll(ctx context.Context) {
	for rank := range l.sched.coordinators {
		l.send(ctx, rank, message.L2CTerminateCoordinator, nil)
	}
	if l.original != nil {
		_ = l.original.Terminate()
	}
}

func (l *Leader) send(ctx context.Context, rank int, kind message.L2C, payload any) {
	var body []byte
	if payload != nil {
		body, _ = marshal(payload)
	}
	if err := l.bus.Send(ctx, rank, message.Envelope{Tag: message.TagControl, Kind: kind.String(), Body: body}); err != nil {
		l.Errorf("failed sending %s to rank %d: %v", kind, rank, err)
	}
}

func (l *Leader) reportMetrics() {
	if l.met == nil {
		return
	}
	if l.tree.HasRoot() {
		l.met.UnsatPercent.Set(unsatPercent(l.tree, l.tree.Root()))
		l.met.TreeNodeCount.Set(float64(l.tree.Len()))
	}
	idle, solving := l.sched.counts()
	l.met.IdleCoordinators.Set(float64(idle))
	l.met.SolvingCoordinators.Set(float64(solving))
}

func unsatPercent(t *tree.DistributedTree, n *tree.Node) float64 {
	if n.Status == tree.StatusUnsat {
		return 1
	}
	if len(n.Children) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range n.Children {
		sum += unsatPercent(t, t.Node(c))
	}
	return sum / float64(len(n.Children))
}

func statusFor(r message.Result) tree.Status {
	switch r {
	case message.ResultSat:
		return tree.StatusSat
	case message.ResultUnsat:
		return tree.StatusUnsat
	case message.ResultError:
		return tree.StatusError
	default:
		return tree.StatusTerminated
	}
}

func terminalResult(s tree.Status) message.Result {
	switch s {
	case tree.StatusSat:
		return message.ResultSat
	case tree.StatusUnsat:
		return message.ResultUnsat
	case tree.StatusError:
		return message.ResultError
	default:
		return message.ResultTimeout
	}
}
