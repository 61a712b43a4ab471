// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package tree

import "time"

// DistributedTree is the leader's global view: one node per subproblem ever
// handed to a coordinator, each owned by exactly one coordinator rank at a
// time. A node's PartialStatus is whatever its owning coordinator's local
// ParallelTree root last reported; Status is the node's own resolved
// status. Unlike ParallelTree there is no push-down: a node becomes unsat
// only once its own PartialStatus is unsat and every child is unsat, and
// becomes sat as soon as it or any descendant reports sat.
type DistributedTree struct {
	arena  []*Node
	now    func() time.Time
	rootID int
}

// NewDistributedTree creates an empty tree with no root; AssignRootNode (via
// SplitNode with parent -1) must be called once before use.
func NewDistributedTree(now func() time.Time) *DistributedTree {
	return &DistributedTree{now: now, rootID: -1}
}

func (t *DistributedTree) Node(id int) *Node { return t.arena[id] }

func (t *DistributedTree) Len() int { return len(t.arena) }

func (t *DistributedTree) HasRoot() bool { return t.rootID != -1 }

func (t *DistributedTree) Root() *Node { return t.arena[t.rootID] }

// SplitNode creates a new child of parent (or a fresh root, when parent is
// -1 and the tree is still empty) assigned to the given coordinator rank,
// and returns the new node's id. This is the Go counterpart of
// split_node_from in the original leader: it both grows the tree and
// records initial ownership in one step.
func (t *DistributedTree) SplitNode(parent int, rank int) int {
	id := len(t.arena)
	n := newNode(id, parent, KindDistributed)
	n.AssignedTo = Owner{Kind: OwnerCoordinatorRank, Rank: rank}
	n.setStatus(StatusSolving, ReasonNone, t.now())
	t.arena = append(t.arena, n)
	if parent >= 0 {
		p := t.arena[parent]
		p.Children = append(p.Children, id)
	} else {
		t.rootID = id
	}
	return id
}

// AssignRootNode is a convenience wrapper over SplitNode(-1, rank) used at
// startup, when the whole formula is first handed to coordinator rank 0 (or
// however many initial coordinators pre-partitioning produced).
func (t *DistributedTree) AssignRootNode(rank int) int {
	return t.SplitNode(-1, rank)
}

// NodePartialSolved records a coordinator's verdict (sat/unsat/timeout/
// error) for the node it owned, releasing that coordinator back to idle
// unless the whole tree is now done.
//
// Per spec.md §4.3, a distributed node only becomes unsat once its own
// partial_status is unsat *and* every child it ever delegated is also
// unsat — so a node that was split is never forced unsat while a delegated
// child is still solving (or turns out sat); it only propagates once
// canReasonUnsat genuinely holds, starting the push-up from the node itself
// rather than from its parent. sat, by contrast, is an immediate witness
// for the whole round: it propagates straight to the root regardless of
// what any sibling is doing. Any other status (error/timeout) simply
// records the node as resolved without forcing propagation either way.
func (t *DistributedTree) NodePartialSolved(id int, status Status, reason SolvedReason) {
	n := t.arena[id]
	n.PartialStatus = status
	n.AssignedTo = Owner{}

	switch status {
	case StatusSat:
		n.setStatus(StatusSat, reason, t.now())
		t.propagateSatUp(n.Parent)
	case StatusUnsat:
		t.pushUpFrom(id, reason)
	default:
		n.setStatus(status, reason, t.now())
	}
}

// OriginalSolved records that the monolithic "solve original formula" race
// (run alongside pre-partitioning/splitting, per Config.RaceOriginal)
// finished first; it marks the tree root resolved regardless of what any
// coordinator subtree was doing.
func (t *DistributedTree) OriginalSolved(status Status) {
	if !t.HasRoot() {
		return
	}
	root := t.Root()
	if root.Status.IsDone() {
		return
	}
	root.setStatus(status, ReasonOriginal, t.now())
}

// pushUpFrom attempts to resolve id unsat via canReasonUnsat, then climbs to
// its parent and repeats, so one coordinator's report can cascade through
// every ancestor that turns out to now qualify too. reason labels only the
// first transition (the one the caller actually reported); every ancestor
// resolved afterward is unsat(children), since its evidence is its
// children's statuses, not a coordinator report of its own.
func (t *DistributedTree) pushUpFrom(id int, reason SolvedReason) {
	for id >= 0 {
		n := t.arena[id]
		if n.Status.IsDone() {
			return
		}
		if !t.canReasonUnsat(n) {
			return
		}
		n.AssignedTo = Owner{}
		n.setStatus(StatusUnsat, reason, t.now())
		id = n.Parent
		reason = ReasonChildren
	}
}

// propagateSatUp forces id and every ancestor up to the root into sat: one
// coordinator reporting sat for its node is a witness for the whole run, so
// there is no sibling condition to check, unlike unsat's canReasonUnsat.
func (t *DistributedTree) propagateSatUp(id int) {
	for id >= 0 {
		n := t.arena[id]
		if n.Status == StatusSat {
			return
		}
		n.AssignedTo = Owner{}
		n.setStatus(StatusSat, ReasonChildren, t.now())
		id = n.Parent
	}
}

// canReasonUnsat requires the node's own partial status to be unsat AND
// every child (if any) to be unsat, matching
// DistributedNode.can_reason_unsat in the original: a childless node
// resolves unsat on its own coordinator's say-so alone, while a node that
// was split is only inferred unsat once both its own partial_status agrees
// and every delegated child has independently resolved unsat.
func (t *DistributedTree) canReasonUnsat(n *Node) bool {
	if n.PartialStatus != StatusUnsat {
		return false
	}
	for _, c := range n.Children {
		if t.arena[c].Status != StatusUnsat {
			return false
		}
	}
	return true
}

// IsDone reports whether the tree's root has reached a terminal status.
func (t *DistributedTree) IsDone() bool {
	return t.HasRoot() && t.Root().Status.IsDone()
}
