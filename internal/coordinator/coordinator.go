// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package coordinator implements the interactive and isolated coordinator
// roles: a single-threaded cooperative loop that pumps partitioner output,
// runs a pool of base-solver processes against the tree's waiting leaves,
// answers the leader's split requests, prunes solving nodes that have
// overstayed their terminate-on-demand budget, and reports the node it owns
// as sat/unsat/terminated/error, exactly as described in spec.md §4.4. The
// loop's shape (a select over a small set of always-present channels,
// logging only on state change, failing fast on an unrecoverable condition)
// is grounded on components/coordinator.go:partitionAccumulate's select
// loop in the teacher repo.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/ariparti/ariparti/internal/clog"
	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/partitioner"
	"github.com/ariparti/ariparti/internal/solverproc"
	"github.com/ariparti/ariparti/internal/transport"
	"github.com/ariparti/ariparti/internal/tree"
)

// terminateOnDemandThreshold maps a node's child_progress (spec.md §4.4) to
// the minimum solving time, in seconds, past which it becomes eligible for
// the terminate-on-demand heuristic to kill it outright: a node whose
// children have made no progress at all is given the longest leash, while
// one whose children are mostly finished is assumed close enough to being
// superseded by them that it's cheap to interrupt.
var terminateOnDemandThreshold = [...]float64{1200, 400, 300, 200, 0}

func terminateThreshold(childProgress int) time.Duration {
	idx := childProgress
	if idx >= len(terminateOnDemandThreshold) {
		idx = len(terminateOnDemandThreshold) - 1
	}
	return time.Duration(terminateOnDemandThreshold[idx] * float64(time.Second))
}

// Coordinator is one rank running the interactive (or isolated) coordinator
// role.
type Coordinator struct {
	*clog.CLogger
	id   string
	rank int
	cfg  *config.Config
	bus  transport.Bus

	tree    *tree.ParallelTree
	nodeID  int // the node this coordinator currently owns, -1 if none yet
	round   int
	workDir string

	part       *partitioner.Adapter
	solvers    map[int]*solverproc.Proc // node id -> its running base solver
	pidToNode  map[int]int              // partitioner pid -> node id, this round
	roundStart time.Time

	now func() time.Time
}

// New creates a coordinator for the given rank.
func New(rank int, cfg *config.Config, bus transport.Bus) *Coordinator {
	id := uuid.NewString()
	now := time.Now
	return &Coordinator{
		CLogger: clog.New("coordinator", rank),
		id:      id,
		rank:    rank,
		cfg:     cfg,
		bus:     bus,
		tree:    tree.NewParallelTree(now),
		nodeID:  -1,
		now:     now,
	}
}

// resetRound (re)initializes every piece of per-round state shared by a
// normal round (runRound) and the isolated coordinator's pre-partition
// harvest (RunIsolated): a fresh ParallelTree whose root is this round's
// owned node (id 0), an empty pid→node map seeded so pid 0 always resolves
// to that root, and an empty base-solver pool.
func (c *Coordinator) resetRound() {
	c.nodeID = 0
	c.tree = tree.NewParallelTree(c.now)
	c.pidToNode = map[int]int{0: c.nodeID}
	c.solvers = map[int]*solverproc.Proc{}
	c.roundStart = c.now()
}

// Run pumps this coordinator's main loop until ctx is cancelled or a
// terminate_coordinator message arrives from the leader.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		env, err := c.bus.Recv(ctx, message.TagControl)
		if err != nil {
			return err
		}

		switch env.Kind {
		case message.L2CAssignNode.String():
			var payload message.AssignNodePayload
			if err := unmarshal(env.Body, &payload); err != nil {
				c.Errorf("malformed assign_node payload: %v", err)
				continue
			}
			body, err := c.resolveAssignedBody(ctx, payload)
			if err != nil {
				c.notifyError(ctx, payload.NodeID, err)
				continue
			}
			if err := c.runRound(ctx, payload, body); err != nil {
				if err == errTerminated {
					return nil
				}
				return err
			}
		case message.L2CTerminateCoordinator.String():
			c.cleanupRound()
			return nil
		case message.L2CRequestSplit.String():
			// A request_split arriving between rounds (no node currently
			// owned) simply fails: there's nothing to give up.
			var payload message.RequestSplitPayload
			_ = unmarshal(env.Body, &payload)
			c.replySplitFailed(ctx, payload.TargetRank)
		default:
			c.Errorf("unexpected message kind %q outside a round", env.Kind)
		}
	}
}

var errTerminated = fmt.Errorf("coordinator: terminated by leader")

// resolveAssignedBody obtains the SMT-LIB text for a newly assigned node:
// the root node's body is the launcher's configured formula file (every
// rank loads the same config, per spec.md §6), while a split-off node's
// body travels separately on the payload tag from the coordinator that
// split it, sent alongside its split_succeed report to the leader (see
// handleRequestSplit) — so the assign_node control message that follows may
// race ahead of it, and the receive below is what pairs the two back up.
func (c *Coordinator) resolveAssignedBody(ctx context.Context, assign message.AssignNodePayload) ([]byte, error) {
	if assign.IsRoot {
		return os.ReadFile(c.cfg.FormulaFile)
	}
	env, err := c.bus.Recv(ctx, message.TagPayload)
	if err != nil {
		return nil, err
	}
	var payload message.SendSubnodePayload
	if err := unmarshal(env.Body, &payload); err != nil {
		return nil, fmt.Errorf("coordinator: malformed send_subnode payload: %w", err)
	}
	return payload.Body, nil
}

// runRound works a single assigned node to completion: spawn the
// partitioner, drain its output (bounded per iteration), keep a pool of
// base solvers running against whatever leaves are currently waiting,
// prune overlong solves, answer split requests from the leader in between,
// and finally report the verdict.
func (c *Coordinator) runRound(ctx context.Context, assign message.AssignNodePayload, body []byte) error {
	c.round++
	c.resetRound()
	c.CLogger = c.CLogger.WithRound(c.round)

	workDir, err := c.prepareWorkDir()
	if err != nil {
		c.notifyError(ctx, assign.NodeID, err)
		return nil
	}
	c.workDir = workDir
	defer c.cleanupRound()

	rootPath := filepath.Join(workDir, "task-root.smt2")
	if err := os.WriteFile(rootPath, body, 0o644); err != nil {
		c.notifyError(ctx, assign.NodeID, err)
		return nil
	}

	part, err := partitioner.Start(c.cfg.Partitioner, []string{rootPath}, workDir)
	if err != nil {
		c.notifyError(ctx, assign.NodeID, err)
		return nil
	}
	c.part = part
	c.tree.AssignNode(c.nodeID, part)

	return c.pumpRound(ctx, assign.NodeID)
}

// pumpRound runs the ticker-driven select loop shared by a normal round
// (runRound) and the isolated coordinator's post-pre-partitioning round
// (RunIsolated/continueIsolatedRound), implementing spec.md §4.4 step 3 in
// full: drain partitioner output (short-circuiting on a bare terminal
// token), release the root to the solver pool once the partitioner is done
// with nothing to show for it, poll every running base solver, prune
// overlong solves via terminate-on-demand, keep the solver pool full from
// the tree's waiting leaves, answer mid-round control messages, and report
// the verdict once the local tree resolves.
func (c *Coordinator) pumpRound(ctx context.Context, ownedNodeID int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if env, ok := c.bus.TryRecv(message.TagControl); ok {
				done, terr := c.handleControl(ctx, ownedNodeID, env)
				if terr != nil {
					return terr
				}
				if done {
					return nil
				}
			}

			if result := c.drainPartitioner(); result != nil && !c.tree.Root().Status.IsDone() {
				c.tree.NodeSolved(c.nodeID, statusForPartitionerResult(result.Kind), tree.ReasonPartitioner)
			}
			c.releaseRootIfPartitionerDone()
			c.pollSolvers()
			c.terminateOnDemand()
			c.fillSolverPool()

			if c.tree.IsDone() {
				c.finishRound(ctx, ownedNodeID)
				return nil
			}
		}
	}
}

// handleControl answers one control message received mid-round (typically
// request_split or terminate_coordinator); it returns done=true once the
// round (or the whole coordinator) must stop.
func (c *Coordinator) handleControl(ctx context.Context, ownedNodeID int, env message.Envelope) (bool, error) {
	switch env.Kind {
	case message.L2CRequestSplit.String():
		var payload message.RequestSplitPayload
		if err := unmarshal(env.Body, &payload); err != nil {
			return false, nil
		}
		c.handleRequestSplit(ctx, payload.TargetRank)
		return false, nil
	case message.L2CTerminateCoordinator.String():
		c.cleanupRound()
		return true, errTerminated
	default:
		return false, nil
	}
}

// handleRequestSplit selects a splittable node from the local tree via the
// §4.2 split requirement and, if one is eligible, reports split_succeed
// with its file handed off on the payload channel; otherwise reports
// split_failed, matching spec.md §4.4's split-handling step.
func (c *Coordinator) handleRequestSplit(ctx context.Context, targetRank int) {
	id := c.tree.SelectSplitNode()
	if id < 0 {
		c.replySplitFailed(ctx, targetRank)
		return
	}

	body, err := c.materializeSubnode(id)
	if err != nil {
		c.Errorf("failed materializing split node %d: %v", id, err)
		c.replySplitFailed(ctx, targetRank)
		return
	}

	pid := c.tree.Node(id).PID
	delete(c.solvers, id)
	c.tree.SetNodeSplit(id)
	_ = c.part.NotifyTerminateNode(pid)

	payload, _ := marshal(message.SplitSucceedPayload{TargetRank: targetRank, NodeID: id})
	_ = c.bus.Send(ctx, c.leaderRank(), message.Envelope{
		Tag: message.TagControl, Kind: message.C2LSplitSucceed.String(), Body: payload,
	})

	subPayload, _ := marshal(message.SendSubnodePayload{NodeID: id, Body: body})
	_ = c.bus.Send(ctx, targetRank, message.Envelope{
		Tag: message.TagPayload, Kind: message.C2CSendSubnode.String(), Body: subPayload,
	})
}

func (c *Coordinator) replySplitFailed(ctx context.Context, targetRank int) {
	payload, _ := marshal(message.SplitFailedPayload{TargetRank: targetRank})
	_ = c.bus.Send(ctx, c.leaderRank(), message.Envelope{
		Tag: message.TagControl, Kind: message.C2LSplitFailed.String(), Body: payload,
	})
}

// materializeSubnode renders the SMT-LIB body for a node selected to be
// split off, reading it back from the path the partitioner wrote it to
// under this round's working directory.
func (c *Coordinator) materializeSubnode(id int) ([]byte, error) {
	return os.ReadFile(c.taskFilePath(id))
}

// taskFilePath is the on-disk path of a node's SMT-LIB body: this round's
// own root is always task-root.smt2 (written by runRound itself, before the
// partitioner ever ran), while every other node is named by the
// partitioner's own pid for it, per spec.md §6.
func (c *Coordinator) taskFilePath(id int) string {
	if id == c.nodeID {
		return filepath.Join(c.workDir, "task-root.smt2")
	}
	return filepath.Join(c.workDir, fmt.Sprintf("task-%d.smt2", c.tree.Node(id).PID))
}

// drainPartitioner reads at most PartitionerDrainLimit lines of partitioner
// output per call (spec.md §4.4 step 3), growing the local tree for every
// new_unknown_node/new_unsat_node line. It returns the first bare terminal
// token (sat/unsat/unknown) it encounters, if any, since that represents a
// result for the whole round rather than for one node and must short-
// circuit the caller's loop instead of being folded into tree growth.
func (c *Coordinator) drainPartitioner() *partitioner.Line {
	limit := c.cfg.PartitionerDrainLimit
	if limit <= 0 {
		limit = 16
	}
	for i := 0; i < limit; i++ {
		line, ok := c.part.ReceiveMessage()
		if !ok {
			return nil
		}
		switch line.Kind {
		case partitioner.LineUnknownNode, partitioner.LineUnsatNode:
			c.applyPartitionerLine(line)
		case partitioner.LineResultSat, partitioner.LineResultUnsat, partitioner.LineResultUnknown:
			l := line
			return &l
		case partitioner.LineDebugInfo, partitioner.LineOther:
			// debug_info is ignored semantically; anything unparseable is
			// dropped rather than killing the round over it.
		}
	}
	return nil
}

// statusForPartitionerResult maps a bare terminal token to the tree status
// it resolves the round's owned node to. "unknown" has no node-status
// counterpart in the spec.md Node model (only sat/unsat/terminated/error are
// terminal), so it resolves the owned node to error for this round (unlike
// a base solver's "unknown", which statusFor maps to terminated).
func statusForPartitionerResult(k partitioner.LineKind) tree.Status {
	switch k {
	case partitioner.LineResultSat:
		return tree.StatusSat
	case partitioner.LineResultUnsat:
		return tree.StatusUnsat
	default:
		return tree.StatusError
	}
}

// applyPartitionerLine grows the local tree for one new_unknown_node or
// new_unsat_node line, resolving its pid/ppid against pidToNode.
func (c *Coordinator) applyPartitionerLine(line partitioner.Line) {
	switch line.Kind {
	case partitioner.LineUnknownNode:
		c.growNode(line.PID, line.PPID)
	case partitioner.LineUnsatNode:
		id, _ := c.growNode(line.PID, line.PPID)
		c.tree.NodeSolved(id, tree.StatusUnsat, tree.ReasonPartitioner)
	}
}

// growNode resolves a partitioner pid/ppid pair to a node id, creating a
// new child under its mapped parent the first time a pid is seen; ppid ==
// -1 means the line is the root re-announcing its own pid (it already
// exists as this round's owned node, so no new node is created). It returns
// created=true only when a genuinely new node was added to the tree.
func (c *Coordinator) growNode(pid, ppid int) (id int, created bool) {
	if existing, ok := c.pidToNode[pid]; ok {
		return existing, false
	}
	if ppid == -1 {
		c.pidToNode[pid] = c.nodeID
		return c.nodeID, false
	}
	parent, ok := c.pidToNode[ppid]
	if !ok {
		c.Errorf("partitioner line referenced unknown parent pid %d", ppid)
		parent = c.nodeID
	}
	id = c.tree.MakeNodeWithPID(parent, pid)
	c.pidToNode[pid] = id
	return id, true
}

// releaseRootIfPartitionerDone lets the round's owned node fall back to the
// base-solver pool once its partitioner has exited without ever splitting
// it: as long as the partitioner is still running, or already produced
// children, the root stays attached to the partitioner (or resolves via
// push-up/push-down from those children) and is never solved directly.
func (c *Coordinator) releaseRootIfPartitionerDone() {
	if !c.part.Done() {
		return
	}
	root := c.tree.Root()
	if root.Status.IsDone() || len(root.Children) > 0 {
		return
	}
	if root.AssignedTo.Kind == tree.OwnerProcess {
		c.tree.ReleaseNode(c.nodeID)
	}
}

// pollSolvers checks every running base solver without blocking, resolving
// the node it was attached to and notifying the partitioner of a fresh
// unsat_node whenever one exits unsat.
func (c *Coordinator) pollSolvers() {
	for id, proc := range c.solvers {
		done, result := proc.Poll()
		if !done {
			continue
		}
		delete(c.solvers, id)
		status := statusFor(result)
		c.tree.NodeSolved(id, status, tree.ReasonItself)
		if status == tree.StatusUnsat {
			_ = c.part.NotifyUnsatNode(c.tree.Node(id).PID)
		}
	}
}

// fillSolverPool implements spec.md §4.4's "while len(solvings) <
// available_cores" step: keep popping the next waiting leaf and spawning a
// base solver on it until either the pool is full or no waiting node
// remains.
func (c *Coordinator) fillSolverPool() {
	for len(c.solvers) < c.availableCores() {
		id := c.tree.GetNextWaitingNode()
		if id < 0 {
			return
		}
		if err := c.startBaseSolver(id); err != nil {
			c.Errorf("failed starting base solver for node %d: %v", id, err)
			c.tree.TerminateNode(id, tree.ReasonCoordinator)
			continue
		}
	}
}

func (c *Coordinator) startBaseSolver(id int) error {
	taskPath := c.taskFilePath(id)
	logic, _ := config.DeclaredLogic(taskPath)
	solverPath := c.cfg.SolverFor(logic)
	proc, err := solverproc.Start(solverPath, taskPath)
	if err != nil {
		return err
	}
	c.tree.AssignNode(id, proc)
	c.solvers[id] = proc
	return nil
}

// availableCores is this rank's configured core count minus one, reserved
// for the coordinator's own loop plus its partitioner child, per spec.md
// §5. Ranks without a configured core count (e.g. the isolated coordinator,
// which sits outside WorkerNodeCores) get a floor of one solver slot.
func (c *Coordinator) availableCores() int {
	cores := 0
	if c.rank >= 0 && c.rank < len(c.cfg.WorkerNodeCores) {
		cores = c.cfg.WorkerNodeCores[c.rank]
	}
	cores--
	if cores < 1 {
		cores = 1
	}
	return cores
}

// terminateOnDemand implements spec.md §4.4's pruning heuristic: a solving
// node other than this round's own root may be killed to free a core once
// it has run past its child_progress-indexed threshold, provided the global
// time budget can still absorb the time it already spent.
func (c *Coordinator) terminateOnDemand() {
	remaining := c.remainingBudget()
	for id, proc := range c.solvers {
		if id == c.nodeID {
			continue
		}
		n := c.tree.Node(id)
		start, ok := n.TimeInfos[tree.StatusSolving]
		if !ok {
			continue
		}
		solving := c.now().Sub(start)
		threshold := terminateThreshold(childProgress(c.tree, n))
		if remaining >= solving && solving > threshold {
			delete(c.solvers, id)
			_ = proc.Terminate()
			c.tree.TerminateNode(id, tree.ReasonCoordinator)
			_ = c.part.NotifyTerminateNode(n.PID)
		}
	}
}

// childProgress counts, for a node's direct children, 1 per started-but-
// unfinished child and 2 per finished child, per spec.md §4.4.
func childProgress(t *tree.ParallelTree, n *tree.Node) int {
	progress := 0
	for _, id := range n.Children {
		child := t.Node(id)
		switch {
		case child.Status.IsDone():
			progress += 2
		case child.Status == tree.StatusSolving || child.Status == tree.StatusSimplifying:
			progress++
		}
	}
	return progress
}

// remainingBudget is however much of the configured global timeout is left
// since this round started, or an effectively unbounded duration when no
// timeout is configured; the Leader owns the authoritative deadline (spec.md
// §5), this is only the Coordinator's own estimate for terminate-on-demand.
func (c *Coordinator) remainingBudget() time.Duration {
	timeout := c.cfg.Timeout()
	if timeout <= 0 {
		return time.Duration(math.MaxInt64)
	}
	remaining := timeout - c.now().Sub(c.roundStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Coordinator) finishRound(ctx context.Context, ownedNodeID int) {
	result := terminalResult(c.tree.Root().Status)
	payload, _ := marshal(message.NotifyResultPayload{NodeID: ownedNodeID, Result: result})
	_ = c.bus.Send(ctx, c.leaderRank(), message.Envelope{
		Tag: message.TagControl, Kind: message.C2LNotifyResult.String(), Body: payload,
	})
}

func (c *Coordinator) notifyError(ctx context.Context, ownedNodeID int, err error) {
	c.Errorf("round failed: %v", err)
	payload, _ := marshal(message.NotifyErrorPayload{NodeID: ownedNodeID, Reason: err.Error()})
	_ = c.bus.Send(ctx, c.leaderRank(), message.Envelope{
		Tag: message.TagControl, Kind: message.C2LNotifyError.String(), Body: payload,
	})
}

func (c *Coordinator) cleanupRound() {
	if c.part != nil {
		_ = c.part.Terminate()
		c.part = nil
	}
	for id, proc := range c.solvers {
		_ = proc.Terminate()
		delete(c.solvers, id)
	}
	if c.workDir == "" {
		return
	}
	// Reconcile the round's temp directory against the glob the partitioner
	// protocol is expected to have produced, so stray task files from a
	// terminated round never leak into the next one (doublestar is used
	// here the same way the teacher used it to expand a worklist of files,
	// applied instead to this cleanup sweep).
	matches, _ := doublestar.FilepathGlob(filepath.Join(c.workDir, "task-*.smt2"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
	c.workDir = ""
}

func (c *Coordinator) prepareWorkDir() (string, error) {
	dir := filepath.Join(c.cfg.TempDir, "tasks", fmt.Sprintf("round-%d", c.round))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// leaderRank is always the highest rank in the cluster layout (see
// internal/dispatcher), one past the isolated coordinator.
func (c *Coordinator) leaderRank() int {
	return len(c.cfg.WorkerNodeIPs) + 1
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
