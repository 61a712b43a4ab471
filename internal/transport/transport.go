// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transport abstracts the ranked, tag-addressed message passing
// substrate the leader and coordinators use (spec.md treats the wire
// protocol as implementation-free). internal/coordinator and
// internal/leader depend only on the Bus interface here; two concrete
// implementations are provided: membus, an in-process bus for single-host
// "parallel" mode and for tests, and ddabus, a github.com/coatyio/dda-backed
// bus for multi-host "distributed" mode.
package transport

import (
	"context"

	"github.com/ariparti/ariparti/internal/message"
)

// Bus is a ranked, tag-addressed publish/subscribe substrate. Envelopes
// published to a given (source, destination, tag) triple are delivered in
// the order they were published, matching spec.md §5's ordering guarantee.
type Bus interface {
	// Rank returns this bus's own rank.
	Rank() int

	// Send delivers env to destRank. Send does not block on the receiver
	// having called Recv yet; it may block briefly if the underlying
	// substrate applies backpressure.
	Send(ctx context.Context, destRank int, env message.Envelope) error

	// Recv blocks until an envelope addressed to this bus's own rank with
	// the given tag is available, or ctx is done.
	Recv(ctx context.Context, tag message.Tag) (message.Envelope, error)

	// TryRecv performs one non-blocking receive attempt for the given tag.
	TryRecv(tag message.Tag) (message.Envelope, bool)

	// Close releases any resources the bus holds.
	Close() error
}
