// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package leader

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"
)

// statusTable renders one line per coordinator rank, column-aligned the
// same way registry/wf/wf.go aligns its word-frequency report: measure the
// user-perceived width of every cell with uniseg.StringWidth (so a status
// string containing any non-ASCII text still lines up) and pad to the
// widest cell in each column.
func (l *Leader) statusTable() string {
	type row struct{ rank, status, node string }
	rows := make([]row, len(l.sched.coordinators))
	for i, ci := range l.sched.coordinators {
		st := "idle"
		nodeCol := "-"
		if !ci.idle() {
			st = "solving"
			nodeCol = fmt.Sprintf("%d", ci.assignedNode)
		}
		rows[i] = row{rank: fmt.Sprintf("%d", i), status: st, node: nodeCol}
	}

	rankW, statusW, nodeW := 0, 0, 0
	for _, r := range rows {
		rankW = max(rankW, uniseg.StringWidth(r.rank))
		statusW = max(statusW, uniseg.StringWidth(r.status))
		nodeW = max(nodeW, uniseg.StringWidth(r.node))
	}

	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "rank %-*s  %-*s  node %-*s\n", rankW, r.rank, statusW, r.status, nodeW, r.node)
	}
	return b.String()
}
