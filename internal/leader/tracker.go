// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package leader

import "time"

// coordinatorInfo tracks one coordinator rank's current assignment and
// timing, the Go counterpart of CoordinatorInfo in the leader this control
// plane is modeled on.
type coordinatorInfo struct {
	assignedNode int // node id in the leader's DistributedTree, -1 if idle
	lastSolving  time.Time
	lastSplit    time.Time
	splitCount   int
}

func newCoordinatorInfo() coordinatorInfo {
	return coordinatorInfo{assignedNode: -1}
}

func (ci *coordinatorInfo) assignNode(nodeID int, now time.Time) {
	ci.assignedNode = nodeID
	ci.lastSolving = now
	ci.lastSplit = now
	ci.splitCount = 0
}

func (ci *coordinatorInfo) splitAttempt(now time.Time) {
	ci.lastSplit = now
	ci.splitCount++
}

func (ci *coordinatorInfo) release() {
	ci.assignedNode = -1
}

func (ci *coordinatorInfo) idle() bool { return ci.assignedNode == -1 }
