// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package leader

import "time"

// terminateThreshold maps a coordinator's split_count so far (capped at its
// length-1 index) to the minimum time, in seconds, it must have been
// solving before the scheduler considers it eligible to be targeted for
// another split: a coordinator that has already given up subtrees several
// times is assumed to be deep enough into its remaining search that even a
// short additional wait is worth interrupting, while a coordinator that has
// never been split is given more time to make independent progress first.
// Mirrors the terminate_threshold table of the system this scheduler is
// modeled on.
var terminateThreshold = [...]float64{1200, 400, 300, 200, 0}

func thresholdFor(splitCount int) time.Duration {
	idx := splitCount
	if idx >= len(terminateThreshold) {
		idx = len(terminateThreshold) - 1
	}
	return time.Duration(terminateThreshold[idx] * float64(time.Second))
}

// scheduler implements round-robin-with-tabu selection of a split
// candidate: next_split_rank advances by one eligible rank per attempt
// rather than always preferring the same coordinator, so split pressure is
// spread evenly across the cluster; a coordinator is skipped for tabuWindow
// after its last split attempt so it isn't asked again before it could
// plausibly have made progress.
type scheduler struct {
	coordinators []coordinatorInfo
	tabuWindow   time.Duration
	nextRank     int
	now          func() time.Time
}

func newScheduler(n int, tabuWindow time.Duration, now func() time.Time) *scheduler {
	cs := make([]coordinatorInfo, n)
	for i := range cs {
		cs[i] = newCoordinatorInfo()
	}
	return &scheduler{coordinators: cs, tabuWindow: tabuWindow, now: now}
}

// selectSplitCandidate advances the round-robin pointer one full cycle at
// most, returning the first eligible rank it finds: currently solving, past
// its tabu window, and past its split-count-indexed minimum solving time
// (thresholdFor).
func (s *scheduler) selectSplitCandidate() (int, bool) {
	n := len(s.coordinators)
	now := s.now()
	for i := 0; i < n; i++ {
		rank := (s.nextRank + i) % n
		ci := &s.coordinators[rank]
		if ci.idle() {
			continue
		}
		if now.Sub(ci.lastSplit) < s.tabuWindow {
			continue
		}
		if now.Sub(ci.lastSolving) < thresholdFor(ci.splitCount) {
			continue
		}
		s.nextRank = (rank + 1) % n
		return rank, true
	}
	return -1, false
}

func (s *scheduler) assign(rank, nodeID int) {
	s.coordinators[rank].assignNode(nodeID, s.now())
}

func (s *scheduler) split(rank int) {
	s.coordinators[rank].splitAttempt(s.now())
}

func (s *scheduler) release(rank int) {
	s.coordinators[rank].release()
}

func (s *scheduler) counts() (idle, solving int) {
	for _, ci := range s.coordinators {
		if ci.idle() {
			idle++
		} else {
			solving++
		}
	}
	return
}
