// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestL2C_String(t *testing.T) {
	require.Equal(t, "assign_node", L2CAssignNode.String())
	require.Equal(t, "request_split", L2CRequestSplit.String())
	require.Equal(t, "terminate_coordinator", L2CTerminateCoordinator.String())
	require.Equal(t, "undefined", L2CUndefined.String())
}

func TestC2L_StringAndPredicates(t *testing.T) {
	cases := []struct {
		m    C2L
		want string
		is   func(C2L) bool
	}{
		{C2LSplitSucceed, "split_succeed", C2L.IsSplitSucceed},
		{C2LSplitFailed, "split_failed", C2L.IsSplitFailed},
		{C2LNotifyResult, "notify_result", C2L.IsNotifyResult},
		{C2LPrePartitionDone, "pre_partition_done", C2L.IsPrePartitionDone},
		{C2LNotifyError, "notify_error", C2L.IsNotifyError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.m.String())
		require.True(t, c.is(c.m))
	}
	require.False(t, C2LSplitSucceed.IsNotifyResult())
}

func TestEnvelope_RoundTripsThroughJSON(t *testing.T) {
	payload, err := json.Marshal(NotifyResultPayload{NodeID: 5, Result: ResultUnsat})
	require.NoError(t, err)

	env := Envelope{SrcRank: 2, Tag: TagControl, Kind: C2LNotifyResult.String(), Body: payload}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, env, got)

	var p NotifyResultPayload
	require.NoError(t, json.Unmarshal(got.Body, &p))
	require.Equal(t, 5, p.NodeID)
	require.Equal(t, ResultUnsat, p.Result)
}

func TestShortID(t *testing.T) {
	require.Equal(t, "abcd1234", ShortID("abcd1234-ef01-2345-6789-abcdef012345"))
	require.Equal(t, "noid", ShortID("noid"))
}
