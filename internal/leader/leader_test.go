// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package leader_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/leader"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/transport/membus"
)

func send(t *testing.T, bus interface {
	Send(context.Context, int, message.Envelope) error
}, dest int, tag message.Tag, kind string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, bus.Send(context.Background(), dest, message.Envelope{Tag: tag, Kind: kind, Body: body}))
}

func TestLeader_SingleCoordinatorUnsatResolvesRoot(t *testing.T) {
	hub := membus.NewHub(2)
	busCoord := hub.Bus(0)
	busLeader := hub.Bus(1)

	cfg := config.Default()
	cfg.RaceOriginal = false

	l := leader.New(1, cfg, busLeader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type runResult struct {
		result message.Result
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		r, err := l.Run(ctx, "")
		done <- runResult{r, err}
	}()

	env, err := busCoord.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.L2CAssignNode.String(), env.Kind)

	var assign message.AssignNodePayload
	require.NoError(t, json.Unmarshal(env.Body, &assign))
	require.True(t, assign.IsRoot)

	send(t, busCoord, 1, message.TagControl, message.C2LNotifyResult.String(),
		message.NotifyResultPayload{NodeID: assign.NodeID, Result: message.ResultUnsat})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, message.ResultUnsat, r.result)
	case <-ctx.Done():
		t.Fatal("leader.Run never returned")
	}

	// The leader must have sent terminate_coordinator to every rank once
	// done.
	termEnv, err := busCoord.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.L2CTerminateCoordinator.String(), termEnv.Kind)
}

func TestLeader_SplitHandoffAssignsIdleCoordinator(t *testing.T) {
	hub := membus.NewHub(3)
	busC0 := hub.Bus(0)
	busC1 := hub.Bus(1)
	busLeader := hub.Bus(2)

	cfg := config.Default()
	cfg.RaceOriginal = false
	cfg.SplitTabuSeconds = 0

	l := leader.New(2, cfg, busLeader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan message.Result, 1)
	go func() {
		r, _ := l.Run(ctx, "")
		done <- r
	}()

	env, err := busC0.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	var assign message.AssignNodePayload
	require.NoError(t, json.Unmarshal(env.Body, &assign))

	// Nothing makes rank 1 idle automatically in this test (there's no real
	// node to assign it), so the leader never sends request_split here and
	// the test does not observe one. Instead rank 0 reports split_succeed
	// for target rank 1 directly, standing in for the leader asking and
	// rank 0 accepting; the test then checks the assign_node the leader
	// sends to rank 1 in response.
	send(t, busC0, 2, message.TagControl, message.C2LSplitSucceed.String(),
		message.SplitSucceedPayload{TargetRank: 1, NodeID: 99})

	splitEnv, err := busC1.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.L2CAssignNode.String(), splitEnv.Kind)
	var splitAssign message.AssignNodePayload
	require.NoError(t, json.Unmarshal(splitEnv.Body, &splitAssign))
	require.Equal(t, 0, splitAssign.SplitFrom)

	// Resolve both coordinators unsat so Run can return.
	send(t, busC1, 2, message.TagControl, message.C2LNotifyResult.String(),
		message.NotifyResultPayload{NodeID: splitAssign.NodeID, Result: message.ResultUnsat})
	send(t, busC0, 2, message.TagControl, message.C2LNotifyResult.String(),
		message.NotifyResultPayload{NodeID: assign.NodeID, Result: message.ResultUnsat})

	select {
	case r := <-done:
		require.Equal(t, message.ResultUnsat, r)
	case <-ctx.Done():
		t.Fatal("leader.Run never returned")
	}
}

func TestLeader_TimeoutReturnsTimeoutResult(t *testing.T) {
	hub := membus.NewHub(2)
	busLeader := hub.Bus(1)
	busCoord := hub.Bus(0)

	cfg := config.Default()
	cfg.RaceOriginal = false
	cfg.TimeoutSeconds = 1

	l := leader.New(1, cfg, busLeader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type runResult struct {
		result message.Result
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		r, err := l.Run(ctx, "")
		done <- runResult{r, err}
	}()

	_, err := busCoord.Recv(ctx, message.TagControl) // drain assign_node, never answered
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, message.ResultTimeout, r.result)
	case <-ctx.Done():
		t.Fatal("leader.Run never returned")
	}
}
