// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package leader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestScheduler_SelectSplitCandidateSkipsIdleAndRecentlySplit(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	now := func() time.Time { return clock }

	s := newScheduler(3, 5*time.Second, now)
	// rank 0 idle, rank 1 solving long enough, rank 2 solving but split too
	// recently.
	s.assign(1, 10)
	s.assign(2, 20)
	clock = base.Add(1300 * time.Second) // past even the splitCount=0 threshold
	s.split(2)                           // rank 2's lastSplit now == clock, inside tabu window

	rank, ok := s.selectSplitCandidate()
	require.True(t, ok)
	require.Equal(t, 1, rank)
}

func TestScheduler_ThresholdForUsesCappedSplitCount(t *testing.T) {
	require.Equal(t, 1200*time.Second, thresholdFor(0))
	require.Equal(t, 400*time.Second, thresholdFor(1))
	require.Equal(t, time.Duration(0), thresholdFor(4))
	require.Equal(t, time.Duration(0), thresholdFor(100), "split counts beyond the table clamp to the last entry")
}

func TestScheduler_RoundRobinAdvancesPastChosenRank(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	now := func() time.Time { return clock }

	s := newScheduler(3, 0, now)
	s.assign(0, 1)
	s.assign(1, 2)
	s.assign(2, 3)
	clock = base.Add(2000 * time.Second)

	first, ok := s.selectSplitCandidate()
	require.True(t, ok)
	require.Equal(t, 0, first)

	second, ok := s.selectSplitCandidate()
	require.True(t, ok)
	require.Equal(t, 1, second, "round-robin pointer must advance past rank 0 on the next call")
}

func TestScheduler_NoEligibleCandidateWhenAllIdle(t *testing.T) {
	now := fixedClock(time.Unix(0, 0))
	s := newScheduler(2, time.Second, now)
	_, ok := s.selectSplitCandidate()
	require.False(t, ok)
}

func TestScheduler_AssignResetsSplitCountAndRelease(t *testing.T) {
	now := fixedClock(time.Unix(0, 0))
	s := newScheduler(1, time.Second, now)
	s.assign(0, 5)
	s.split(0)
	require.Equal(t, 1, s.coordinators[0].splitCount)

	s.assign(0, 6)
	require.Equal(t, 0, s.coordinators[0].splitCount, "reassigning a coordinator resets its split count")

	s.release(0)
	require.True(t, s.coordinators[0].idle())
}

func TestScheduler_Counts(t *testing.T) {
	now := fixedClock(time.Unix(0, 0))
	s := newScheduler(3, 0, now)
	s.assign(0, 1)
	idle, solving := s.counts()
	require.Equal(t, 2, idle)
	require.Equal(t, 1, solving)
}
