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

	"github.com/ariparti/ariparti/internal/coordinator"
	"github.com/ariparti/ariparti/internal/message"
	"github.com/ariparti/ariparti/internal/transport/membus"
)

// twoLeafHarvestPartitioner emits the same two leaf lines as
// twoLeafPartitioner in coordinator_test.go, then stays alive for five
// seconds, so the harvest ends on the leaf count rather than on the
// partitioner exiting.
func twoLeafHarvestPartitioner(t *testing.T, dir string) string {
	return writeScript(t, dir, "partitioner.sh", `
cat > task-1.smt2 <<'EOF'
(check-sat)
EOF
cat > task-2.smt2 <<'EOF'
(check-sat)
EOF
echo '1 1 0'
echo '1 2 0'
sleep 5
`)
}

func TestRunIsolated_HandsHarvestedLeafToTargetRankAndStops(t *testing.T) {
	dir := t.TempDir()
	formula := filepath.Join(dir, "input.smt2")
	require.NoError(t, os.WriteFile(formula, []byte("(check-sat)\n"), 0o644))

	cfg := baseConfig(t, twoLeafHarvestPartitioner(t, dir), echoVerdictSolver(t, dir, "sat"))
	cfg.FormulaFile = formula

	hub := membus.NewHub(3)
	busIsolated := hub.Bus(0)
	busTarget := hub.Bus(1)
	busLeader := hub.Bus(2)

	c := coordinator.New(0, cfg, busIsolated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.RunIsolated(ctx, formula, []int{1}) }()

	env, err := busTarget.Recv(ctx, message.TagPayload)
	require.NoError(t, err)
	require.Equal(t, message.C2CSendSubnode.String(), env.Kind)

	var sub message.SendSubnodePayload
	require.NoError(t, json.Unmarshal(env.Body, &sub))
	require.Equal(t, "(check-sat)\n", string(sub.Body))

	doneEnv, err := busLeader.Recv(ctx, message.TagControl)
	require.NoError(t, err)
	require.Equal(t, message.C2LPrePartitionDone.String(), doneEnv.Kind)

	var done message.PrePartitionDonePayload
	require.NoError(t, json.Unmarshal(doneEnv.Body, &done))
	require.Equal(t, 1, done.LeafCount)

	require.NoError(t, <-errCh, "RunIsolated must return once every target got a leaf")
}
