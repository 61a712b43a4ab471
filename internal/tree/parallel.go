// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package tree

import "time"

// splitThresMin and splitThresMax are the two solving-time bounds of the
// split requirement (spec.md §4.2): a node must have been solving at least
// splitThresMin before it is ever eligible for splitting, and is accepted
// outright once it has been solving past splitThresMax regardless of the
// tree's running average.
const (
	splitThresMin = 5 * time.Second
	splitThresMax = 25 * time.Second
)

// ParallelTree is the local tree a coordinator grows as its partitioner and
// base solver process a single subproblem (or, for the isolated
// coordinator, the whole formula). Its nodes carry an UnsatPercent (the
// fraction of their subtree proven unsat), and the tree offers a
// SelectSplitNode descent used when the leader asks this coordinator to
// give up part of its work.
type ParallelTree struct {
	arena  []*Node
	now    func() time.Time
	rootID int

	totalSolveTime time.Duration
	solveCount     int
}

// NewParallelTree creates an empty ParallelTree with a single root node.
// now is injected so tests can control simulated time.
func NewParallelTree(now func() time.Time) *ParallelTree {
	t := &ParallelTree{now: now}
	root := newNode(0, -1, KindParallel)
	root.PID = 0
	t.arena = append(t.arena, root)
	t.rootID = 0
	return t
}

func (t *ParallelTree) Root() *Node { return t.arena[t.rootID] }

func (t *ParallelTree) Node(id int) *Node { return t.arena[id] }

func (t *ParallelTree) Len() int { return len(t.arena) }

// MakeNode appends a new child under parent (-1 is only valid for the very
// first call, and only if the tree is still empty) and returns its id. Its
// PID defaults to its own arena id, for callers that have no partitioner id
// of their own to track (e.g. tests); MakeNodeWithPID lets a caller record
// the partitioner's actual id instead.
func (t *ParallelTree) MakeNode(parent int) int {
	id := len(t.arena)
	return t.MakeNodeWithPID(parent, id)
}

// MakeNodeWithPID is MakeNode, recording pid as the partitioner's own id for
// the new node so a later new_unsat_node/terminate notification addressed to
// that pid can be mapped back to this node (see internal/coordinator's
// pidToNode).
func (t *ParallelTree) MakeNodeWithPID(parent, pid int) int {
	id := len(t.arena)
	n := newNode(id, parent, KindParallel)
	n.PID = pid
	t.arena = append(t.arena, n)
	if parent >= 0 {
		p := t.arena[parent]
		p.Children = append(p.Children, id)
	}
	return id
}

// AssignNode attaches a running process (partitioner or base solver) to a
// node and marks it solving.
func (t *ParallelTree) AssignNode(id int, proc Killer) {
	n := t.arena[id]
	n.AssignedTo = Owner{Kind: OwnerProcess, Proc: proc}
	n.setStatus(StatusSolving, ReasonNone, t.now())
}

// Simplifying marks a node as undergoing the optional simplify pass (see
// SPEC_FULL.md §4.2 EXPANSION). internal/coordinator does not call it or
// Simplified, and does not read Config.SimplifyBeforeSolve.
func (t *ParallelTree) Simplifying(id int, proc Killer) {
	n := t.arena[id]
	n.AssignedTo = Owner{Kind: OwnerProcess, Proc: proc}
	n.setStatus(StatusSimplifying, ReasonNone, t.now())
}

// Simplified records that the simplify pass completed; the node is ready to
// be handed to the base solver.
func (t *ParallelTree) Simplified(id int) {
	n := t.arena[id]
	n.AssignedTo = Owner{}
	n.setStatus(StatusSimplified, ReasonNone, t.now())
}

// ReleaseNode clears a node's attached process without changing its status,
// making it eligible for GetNextWaitingNode again. Used when a partitioner
// exits without ever splitting its node: the node was marked solving (and
// owned by the partitioner process) at round start, and must fall back to
// the base-solver pool once that process is gone.
func (t *ParallelTree) ReleaseNode(id int) {
	t.arena[id].AssignedTo = Owner{}
}

// TerminateNode kills any attached process and marks the node terminated.
func (t *ParallelTree) TerminateNode(id int, reason SolvedReason) {
	n := t.arena[id]
	if n.AssignedTo.Kind == OwnerProcess && n.AssignedTo.Proc != nil {
		_ = n.AssignedTo.Proc.Terminate()
	}
	n.AssignedTo = Owner{}
	if !n.Status.IsDone() {
		n.setStatus(StatusTerminated, reason, t.now())
	}
}

// NodeSolved records a terminal partitioner/base-solver verdict for a node
// and propagates the result through the tree: unsat triggers push-up (when
// it completes an all-unsat sibling pair) and push-down (into any
// unresolved descendants); sat short-circuits straight to the root, since
// one proven-satisfiable subtree is enough for the whole round regardless of
// what its siblings are still doing.
func (t *ParallelTree) NodeSolved(id int, status Status, reason SolvedReason) {
	n := t.arena[id]
	n.AssignedTo = Owner{}
	n.setStatus(status, reason, t.now())
	t.recomputeUnsatPercent(id)

	if reason == ReasonItself {
		t.recordSolveTime(n)
	}

	switch status {
	case StatusUnsat:
		t.pushDown(id)
		t.pushUp(n.Parent)
	case StatusSat:
		t.propagateSatUp(n.Parent)
	}
}

// recordSolveTime folds n's solving duration into the tree's running
// average, per §4.2's "if reason = itself, also updates solve-time
// statistics." A node with no recorded StatusSolving entry (resolved by
// push-down/push-up/partitioner before ever being handed to a solver) never
// contributes, since it has no solving time to measure.
func (t *ParallelTree) recordSolveTime(n *Node) {
	start, ok := n.TimeInfos[StatusSolving]
	if !ok {
		return
	}
	t.totalSolveTime += t.now().Sub(start)
	t.solveCount++
}

// AverageSolveTime is the tree's running average solving time across every
// node resolved so far with reason=itself, used by the split requirement.
func (t *ParallelTree) AverageSolveTime() time.Duration {
	if t.solveCount == 0 {
		return 0
	}
	return t.totalSolveTime / time.Duration(t.solveCount)
}

// SetNodeSplit marks id as having been split away to another coordinator:
// any attached process is terminated and the node is treated, for local
// search purposes, as resolved unsat (its subtree is no longer explored
// here because ownership moved to the leader's DistributedTree).
func (t *ParallelTree) SetNodeSplit(id int) {
	n := t.arena[id]
	if n.AssignedTo.Kind == OwnerProcess && n.AssignedTo.Proc != nil {
		_ = n.AssignedTo.Proc.Terminate()
	}
	n.AssignedTo = Owner{}
	t.NodeSolved(id, StatusUnsat, ReasonSplit)
}

// pushDown marks every unresolved descendant of id unsat(ancestor), DFS,
// terminating any attached process it finds along the way.
func (t *ParallelTree) pushDown(id int) {
	n := t.arena[id]
	for _, c := range n.Children {
		child := t.arena[c]
		if child.Status.IsDone() {
			continue
		}
		if child.AssignedTo.Kind == OwnerProcess && child.AssignedTo.Proc != nil {
			_ = child.AssignedTo.Proc.Terminate()
		}
		child.AssignedTo = Owner{}
		child.setStatus(StatusUnsat, ReasonAncestor, t.now())
		child.UnsatPercent = 1
		t.pushDown(c)
	}
}

// pushUp climbs from id toward the root, marking a parent unsat(children)
// whenever both of its children are now unsat, and stops at the first
// ancestor that isn't.
func (t *ParallelTree) pushUp(id int) {
	for id >= 0 {
		n := t.arena[id]
		if n.Status.IsDone() {
			t.recomputeUnsatPercent(id)
			if n.Parent >= 0 {
				id = n.Parent
				continue
			}
			return
		}
		if !t.canReasonUnsat(n) {
			t.recomputeUnsatPercent(id)
			return
		}
		if n.AssignedTo.Kind == OwnerProcess && n.AssignedTo.Proc != nil {
			_ = n.AssignedTo.Proc.Terminate()
		}
		n.AssignedTo = Owner{}
		n.setStatus(StatusUnsat, ReasonChildren, t.now())
		t.recomputeUnsatPercent(id)
		id = n.Parent
	}
}

// propagateSatUp forces id and every ancestor up to the root into sat: one
// proven-satisfiable node is a witness for the whole round, so there is no
// sibling condition to check (unlike unsat's push-up).
func (t *ParallelTree) propagateSatUp(id int) {
	for id >= 0 {
		n := t.arena[id]
		if n.Status == StatusSat {
			return
		}
		if n.AssignedTo.Kind == OwnerProcess && n.AssignedTo.Proc != nil {
			_ = n.AssignedTo.Proc.Terminate()
		}
		n.AssignedTo = Owner{}
		n.setStatus(StatusSat, ReasonChildren, t.now())
		n.UnsatPercent = 0
		id = n.Parent
	}
}

// canReasonUnsat reports whether every child of n is unsat, i.e. n can be
// inferred unsat without ever running a solver on it directly.
func (t *ParallelTree) canReasonUnsat(n *Node) bool {
	if len(n.Children) == 0 {
		return false
	}
	for _, c := range n.Children {
		if t.arena[c].Status != StatusUnsat {
			return false
		}
	}
	return true
}

// recomputeUnsatPercent implements the invariant precisely: 1 if the node
// itself is unsat, 0 if it has no children and isn't unsat, else the
// average of its children's unsat percentages.
func (t *ParallelTree) recomputeUnsatPercent(id int) {
	n := t.arena[id]
	if n.Status == StatusUnsat {
		n.UnsatPercent = 1
		return
	}
	if len(n.Children) == 0 {
		n.UnsatPercent = 0
		return
	}
	sum := 0.0
	for _, c := range n.Children {
		sum += t.arena[c].UnsatPercent
	}
	n.UnsatPercent = sum / float64(len(n.Children))
}

// GetNextWaitingNode returns the id of a not-yet-resolved leaf node with no
// attached process (including a released root still marked solving), BFS
// order, or -1 if none exists.
func (t *ParallelTree) GetNextWaitingNode() int {
	queue := []int{t.rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := t.arena[id]
		if n.Status.IsDone() {
			continue
		}
		if len(n.Children) == 0 {
			if n.AssignedTo.Kind == OwnerNone {
				return id
			}
			continue
		}
		queue = append(queue, n.Children...)
	}
	return -1
}

// SelectSplitNode implements select_split_node (spec.md §4.2): descend from
// the root, at each binary node choosing the child that is still
// unresolved; if only one child is unresolved, descend into it and keep
// going. The descent stops the moment it reaches a node where *both*
// children are still unresolved — the first such branch point — and returns
// the right child there, but only if both children individually satisfy the
// split requirement (solving for at least splitThresMin, and either past
// splitThresMax or past the tree's running AverageSolveTime). It returns -1
// at a leaf (nothing left to split off) or when the requirement fails.
func (t *ParallelTree) SelectSplitNode() int {
	id := t.rootID
	for {
		n := t.arena[id]
		if len(n.Children) != 2 {
			return -1
		}
		left, right := n.Children[0], n.Children[1]
		leftNode, rightNode := t.arena[left], t.arena[right]
		leftOpen, rightOpen := !leftNode.Status.IsDone(), !rightNode.Status.IsDone()

		switch {
		case leftOpen && rightOpen:
			if t.satisfiesSplitRequirement(leftNode) && t.satisfiesSplitRequirement(rightNode) {
				return right
			}
			return -1
		case leftOpen:
			id = left
		case rightOpen:
			id = right
		default:
			return -1
		}
	}
}

// satisfiesSplitRequirement implements the per-node half of the split
// requirement described alongside select_split_node.
func (t *ParallelTree) satisfiesSplitRequirement(n *Node) bool {
	start, ok := n.TimeInfos[StatusSolving]
	if !ok {
		return false
	}
	solving := t.now().Sub(start)
	if solving < splitThresMin {
		return false
	}
	if solving > splitThresMax {
		return true
	}
	return solving > t.AverageSolveTime()
}

// IsDone reports whether the tree's root has reached a terminal status.
func (t *ParallelTree) IsDone() bool { return t.Root().Status.IsDone() }
