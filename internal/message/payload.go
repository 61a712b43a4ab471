// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package message

// AssignNodePayload accompanies an L2CAssignNode envelope: the leader tells
// a coordinator which node id (in the leader's DistributedTree) it now owns,
// and optionally which sibling coordinator it was split from (tag 2 carries
// the subproblem file alongside, per spec.md §5's temp-directory handoff).
type AssignNodePayload struct {
	NodeID     int  `json:"node_id"`
	SplitFrom  int  `json:"split_from,omitempty"`
	IsRoot     bool `json:"is_root,omitempty"`
	RaceOrig   bool `json:"race_original,omitempty"`
}

// RequestSplitPayload accompanies an L2CRequestSplit envelope: the target
// coordinator rank that should receive half of the split coordinator's
// current subtree.
type RequestSplitPayload struct {
	TargetRank int `json:"target_rank"`
}

// SplitSucceedPayload / SplitFailedPayload accompany C2L replies to a split
// request, naming the rank the split was (or would have been) handed to.
type SplitSucceedPayload struct {
	TargetRank int `json:"target_rank"`
	NodeID     int `json:"node_id"`
}

type SplitFailedPayload struct {
	TargetRank int `json:"target_rank"`
}

// NotifyResultPayload accompanies C2L notify_result: the coordinator's
// final verdict on the node it owned.
type NotifyResultPayload struct {
	NodeID int    `json:"node_id"`
	Result Result `json:"result"`
}

// NotifyErrorPayload accompanies C2L notify_error.
type NotifyErrorPayload struct {
	NodeID int    `json:"node_id"`
	Reason string `json:"reason"`
}

// PrePartitionDonePayload accompanies C2L pre_partition_done, sent once by
// the isolated coordinator after its pre-partitioning race concludes.
type PrePartitionDonePayload struct {
	LeafCount int `json:"leaf_count"`
}

// SendSubnodePayload accompanies a C2C send_subnode envelope: the raw SMT-LIB
// subproblem body handed directly from one coordinator to another.
type SendSubnodePayload struct {
	NodeID int    `json:"node_id"`
	Body   []byte `json:"body"`
}
