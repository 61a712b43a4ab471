// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package tree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDistributedTree_AssignRootAndSplit(t *testing.T) {
	tr := NewDistributedTree(fixedNow())
	require.False(t, tr.HasRoot())

	root := tr.AssignRootNode(0)
	require.True(t, tr.HasRoot())
	require.Equal(t, root, tr.Root().ID)
	require.Equal(t, StatusSolving, tr.Root().Status)

	child := tr.SplitNode(root, 1)
	require.Equal(t, []int{child}, tr.Node(root).Children)
	require.Equal(t, OwnerCoordinatorRank, tr.Node(child).AssignedTo.Kind)
	require.Equal(t, 1, tr.Node(child).AssignedTo.Rank)
}

func TestDistributedTree_CanReasonUnsatRequiresOwnPartialStatus(t *testing.T) {
	tr := NewDistributedTree(fixedNow())
	root := tr.AssignRootNode(0)
	child := tr.SplitNode(root, 1)

	// The child resolves unsat, but the root's own coordinator hasn't
	// reported unsat yet: push-up from the child must NOT mark the root
	// unsat, mirroring can_reason_unsat requiring PartialStatus==unsat too.
	tr.NodePartialSolved(child, StatusUnsat, ReasonCoordinator)
	require.Equal(t, StatusUnsat, tr.Node(child).Status)
	require.Equal(t, StatusSolving, tr.Root().Status, "root cannot be inferred unsat without its own partial status")

	// Now the root's own coordinator also reports unsat: with both the
	// child unsat and the root's own partial status unsat, push-up (from
	// the next report) can resolve the root.
	tr.NodePartialSolved(root, StatusUnsat, ReasonCoordinator)
	require.Equal(t, StatusUnsat, tr.Root().Status)
}

func TestDistributedTree_UnsatNeverForcesAStillSolvingDelegatedChild(t *testing.T) {
	tr := NewDistributedTree(fixedNow())
	root := tr.AssignRootNode(0)
	child := tr.SplitNode(root, 1)

	// The root's own partial_status resolves unsat while the delegated
	// child is still solving on another rank: the root must NOT be forced
	// unsat, and the still-live child must NOT be force-marked unsat
	// either — that would be unsound if the child later turns out sat.
	tr.NodePartialSolved(root, StatusUnsat, ReasonCoordinator)
	require.Equal(t, StatusUnsat, tr.Node(root).PartialStatus)
	require.Equal(t, StatusSolving, tr.Node(root).Status, "root not yet provable unsat: its child hasn't resolved")
	require.Equal(t, StatusSolving, tr.Node(child).Status, "a still-solving delegated child must never be pushed down")

	// Once the child itself resolves unsat, the cascade completes and the
	// root (whose own partial_status was already unsat) resolves too.
	tr.NodePartialSolved(child, StatusUnsat, ReasonCoordinator)
	require.Equal(t, StatusUnsat, tr.Node(child).Status)
	require.Equal(t, StatusUnsat, tr.Node(root).Status)
	require.Equal(t, ReasonChildren, tr.Node(root).Reason)
}

func TestDistributedTree_UnsatCascadesThroughMultipleSplitLevels(t *testing.T) {
	tr := NewDistributedTree(fixedNow())
	root := tr.AssignRootNode(0)
	child := tr.SplitNode(root, 1)
	grandchild := tr.SplitNode(child, 2)

	tr.NodePartialSolved(root, StatusUnsat, ReasonCoordinator)
	tr.NodePartialSolved(child, StatusUnsat, ReasonCoordinator)
	// child still has an unresolved delegated grandchild: it must not
	// resolve unsat yet even though its own partial_status now is.
	require.Equal(t, StatusSolving, tr.Node(child).Status)

	tr.NodePartialSolved(grandchild, StatusUnsat, ReasonCoordinator)
	require.Equal(t, StatusUnsat, tr.Node(grandchild).Status)
	require.Equal(t, StatusUnsat, tr.Node(child).Status)
	require.Equal(t, StatusUnsat, tr.Node(root).Status)
}

func TestDistributedTree_SatPropagatesToRootRegardlessOfSiblings(t *testing.T) {
	tr := NewDistributedTree(fixedNow())
	root := tr.AssignRootNode(0)
	child := tr.SplitNode(root, 1)
	_ = tr.SplitNode(root, 2) // a second, still-solving sibling

	tr.NodePartialSolved(child, StatusSat, ReasonCoordinator)
	require.Equal(t, StatusSat, tr.Node(child).Status)
	require.Equal(t, StatusSat, tr.Root().Status, "one sat child is a witness for the whole tree")
	require.True(t, tr.IsDone())
}

func TestDistributedTree_OriginalSolvedForcesRoot(t *testing.T) {
	tr := NewDistributedTree(fixedNow())
	tr.OriginalSolved(StatusSat) // no root yet: no-op, must not panic

	root := tr.AssignRootNode(0)
	_ = root
	tr.OriginalSolved(StatusSat)

	require.Equal(t, StatusSat, tr.Root().Status)
	require.Equal(t, ReasonOriginal, tr.Root().Reason)
	require.True(t, tr.IsDone())

	// A second race result arriving after resolution must not clobber it.
	tr.OriginalSolved(StatusUnsat)
	require.Equal(t, StatusSat, tr.Root().Status)
}
