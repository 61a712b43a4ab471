// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package coordinator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariparti/ariparti/internal/config"
	"github.com/ariparti/ariparti/internal/coordinator"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/transport/membus"
)

// writeScript writes an executable shell script to dir/name and returns its
// path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func baseConfig(t *testing.T, partitionerScript, solverScript string) *config.Config {
	cfg := config.Default()
	cfg.TempDir = t.TempDir()
	cfg.WorkerNodeIPs = []string{"10.0.0.1"} // leaderRank() == 2
	cfg.Partitioner = partitionerScript
	cfg.BaseSolver = solverScript
	return cfg
}

// noSplitPartitioner discovers no new nodes and exits immediately, which
// drives the coordinator straight to startBaseSolver.
func noSplitPartitioner(t *testing.T, dir string) string {
	return writeScript(t, dir, "partitioner.sh", "exit 0\n")
}

func echoVerdictSolver(t *testing.T, dir, verdict string) string {
	return writeScript(t, dir, "solver.sh", "echo "+verdict+"\n")
}

func TestCoordinator_RootRoundReportsSatFromBaseSolver(t *testing.T) {
	dir := t.TempDir()
	formula := filepath.Join(dir, "input.smt2")
	require.NoError(t, os.WriteFile(formula, []byte("(check-sat)\n"), 0o644))

	cfg := baseConfig(t, noSplitPartitioner(t, dir), echoVerdictSolver(t, dir, "sat"))
	cfg.FormulaFile = formula

	hub := membus.NewHub(3)
	busCoord := hub.Bus(0)
	busLeader := hub.Bus(2)

	c := coordinator.New(0, cfg, busCoord)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	assignBody, _ := json.Marshal(message.AssignNodePayload{NodeID: 0, IsRoot: true})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CAssignNode.String(), Body: assignBody}))

	env, err := busLeader.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.C2LNotifyResult.String(), env.Kind)

	var result message.NotifyResultPayload
	require.NoError(t, json.Unmarshal(env.Body, &result))
	require.Equal(t, message.ResultSat, result.Result)
	require.Equal(t, 0, result.NodeID)

	termBody, _ := json.Marshal(struct{}{})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CTerminateCoordinator.String(), Body: termBody}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("coordinator.Run never returned after terminate_coordinator")
	}
}

func TestCoordinator_SplitNodeBodyArrivesOverPayloadTag(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, noSplitPartitioner(t, dir), echoVerdictSolver(t, dir, "unsat"))

	hub := membus.NewHub(3)
	busCoord := hub.Bus(0)
	busLeader := hub.Bus(2)

	c := coordinator.New(0, cfg, busCoord)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	// A split assignment (IsRoot=false) pairs with a send_subnode payload
	// carrying the node's body, mirroring what another coordinator's
	// handleRequestSplit sends.
	subPayload, _ := json.Marshal(message.SendSubnodePayload{NodeID: 7, Body: []byte("(check-sat)\n")})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagPayload, Kind: message.C2CSendSubnode.String(), Body: subPayload}))

	assignBody, _ := json.Marshal(message.AssignNodePayload{NodeID: 7, SplitFrom: 1})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CAssignNode.String(), Body: assignBody}))

	env, err := busLeader.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.C2LNotifyResult.String(), env.Kind)

	var result message.NotifyResultPayload
	require.NoError(t, json.Unmarshal(env.Body, &result))
	require.Equal(t, message.ResultUnsat, result.Result)
	require.Equal(t, 7, result.NodeID)

	termBody, _ := json.Marshal(struct{}{})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CTerminateCoordinator.String(), Body: termBody}))
	<-errCh
}

// twoLeafPartitioner emits the spec.md §6 numeric-opcode grammar for a root
// split into two leaves (pid 1 and pid 2, both parented at the root's own
// pid 0), writing each leaf's body to the task-<pid>.smt2 file a real
// partitioner would have produced, so the coordinator's worker pool can
// pick both up concurrently.
func twoLeafPartitioner(t *testing.T, dir string) string {
	return writeScript(t, dir, "partitioner.sh", `
cat > task-1.smt2 <<'EOF'
(check-sat)
EOF
cat > task-2.smt2 <<'EOF'
(check-sat)
EOF
echo '1 1 0'
echo '1 2 0'
`)
}

func TestCoordinator_WorkerPoolSolvesBothLeavesConcurrently(t *testing.T) {
	dir := t.TempDir()
	formula := filepath.Join(dir, "input.smt2")
	require.NoError(t, os.WriteFile(formula, []byte("(check-sat)\n"), 0o644))

	cfg := baseConfig(t, twoLeafPartitioner(t, dir), echoVerdictSolver(t, dir, "unsat"))
	cfg.FormulaFile = formula
	cfg.WorkerNodeCores = []int{3} // availableCores() == 2: both leaves run at once

	hub := membus.NewHub(3)
	busCoord := hub.Bus(0)
	busLeader := hub.Bus(2)

	c := coordinator.New(0, cfg, busCoord)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	assignBody, _ := json.Marshal(message.AssignNodePayload{NodeID: 0, IsRoot: true})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CAssignNode.String(), Body: assignBody}))

	env, err := busLeader.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.C2LNotifyResult.String(), env.Kind)

	var result message.NotifyResultPayload
	require.NoError(t, json.Unmarshal(env.Body, &result))
	// Both leaves resolve unsat via their own base solver; the root is then
	// inferred unsat by push-up (reason=children), never running a solver
	// of its own.
	require.Equal(t, message.ResultUnsat, result.Result)
	require.Equal(t, 0, result.NodeID)

	termBody, _ := json.Marshal(struct{}{})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CTerminateCoordinator.String(), Body: termBody}))
	<-errCh
}

// bareUnsatPartitioner never emits a single node line, only the whole-input
// terminal token, exercising the short-circuit path of drainPartitioner/
// statusForPartitionerResult.
func bareUnsatPartitioner(t *testing.T, dir string) string {
	return writeScript(t, dir, "partitioner.sh", "echo unsat\n")
}

func TestCoordinator_BareTerminalTokenShortCircuitsWithoutABaseSolver(t *testing.T) {
	dir := t.TempDir()
	formula := filepath.Join(dir, "input.smt2")
	require.NoError(t, os.WriteFile(formula, []byte("(check-sat)\n"), 0o644))

	// The solver would block forever if ever (wrongly) invoked; if the
	// round still finishes promptly, it never ran.
	cfg := baseConfig(t, bareUnsatPartitioner(t, dir), writeScript(t, dir, "solver.sh", "sleep 30\n"))
	cfg.FormulaFile = formula

	hub := membus.NewHub(3)
	busCoord := hub.Bus(0)
	busLeader := hub.Bus(2)

	c := coordinator.New(0, cfg, busCoord)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	assignBody, _ := json.Marshal(message.AssignNodePayload{NodeID: 0, IsRoot: true})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CAssignNode.String(), Body: assignBody}))

	env, err := busLeader.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.C2LNotifyResult.String(), env.Kind)

	var result message.NotifyResultPayload
	require.NoError(t, json.Unmarshal(env.Body, &result))
	require.Equal(t, message.ResultUnsat, result.Result)

	termBody, _ := json.Marshal(struct{}{})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CTerminateCoordinator.String(), Body: termBody}))
	<-errCh
}

func TestCoordinator_RequestSplitOutsideRoundRepliesFailed(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, noSplitPartitioner(t, dir), echoVerdictSolver(t, dir, "sat"))

	hub := membus.NewHub(3)
	busCoord := hub.Bus(0)
	busLeader := hub.Bus(2)

	c := coordinator.New(0, cfg, busCoord)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	reqBody, _ := json.Marshal(message.RequestSplitPayload{TargetRank: 1})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CRequestSplit.String(), Body: reqBody}))

	env, err := busLeader.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.C2LSplitFailed.String(), env.Kind)

	termBody, _ := json.Marshal(struct{}{})
	require.NoError(t, busLeader.Send(ctx, 0, message.Envelope{Tag: message.TagControl, Kind: message.L2CTerminateCoordinator.String(), Body: termBody}))
	<-errCh
}
