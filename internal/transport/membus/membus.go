// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package membus is an in-process transport.Bus implementation: every rank
// is a goroutine in the same process (single-host "parallel" mode, and
// every test in this repo), and delivery is a buffered Go channel per
// (destination rank, tag) pair, which trivially preserves the
// per-(source,dest,tag) ordering transport.Bus requires.
package membus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariparti/ariparti/internal/message"
)

const chanBuffer = 256

// Hub owns the channels for every rank in a run and hands out a Bus per
// rank.
type Hub struct {
	mu      sync.Mutex
	control map[int]chan message.Envelope
	payload map[int]chan message.Envelope
}

// NewHub creates a Hub with channels pre-allocated for ranks 0..n-1.
func NewHub(n int) *Hub {
	h := &Hub{
		control: make(map[int]chan message.Envelope, n),
		payload: make(map[int]chan message.Envelope, n),
	}
	for r := 0; r < n; r++ {
		h.control[r] = make(chan message.Envelope, chanBuffer)
		h.payload[r] = make(chan message.Envelope, chanBuffer)
	}
	return h
}

// Bus returns the transport.Bus for the given rank. The returned bus is
// only valid for the lifetime of the Hub.
func (h *Hub) Bus(rank int) *Bus {
	return &Bus{hub: h, rank: rank}
}

// Bus is the Hub-backed implementation of transport.Bus for one rank.
type Bus struct {
	hub  *Hub
	rank int
}

func (b *Bus) Rank() int { return b.rank }

func (b *Bus) chanFor(rank int, tag message.Tag) (chan message.Envelope, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	var m map[int]chan message.Envelope
	switch tag {
	case message.TagControl:
		m = b.hub.control
	case message.TagPayload:
		m = b.hub.payload
	default:
		return nil, fmt.Errorf("membus: unknown tag %d", tag)
	}
	ch, ok := m[rank]
	if !ok {
		return nil, fmt.Errorf("membus: no such rank %d", rank)
	}
	return ch, nil
}

func (b *Bus) Send(ctx context.Context, destRank int, env message.Envelope) error {
	env.SrcRank = b.rank
	ch, err := b.chanFor(destRank, env.Tag)
	if err != nil {
		return err
	}
	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Recv(ctx context.Context, tag message.Tag) (message.Envelope, error) {
	ch, err := b.chanFor(b.rank, tag)
	if err != nil {
		return message.Envelope{}, err
	}
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

func (b *Bus) TryRecv(tag message.Tag) (message.Envelope, bool) {
	ch, err := b.chanFor(b.rank, tag)
	if err != nil {
		return message.Envelope{}, false
	}
	select {
	case env := <-ch:
		return env, true
	default:
		return message.Envelope{}, false
	}
}

func (b *Bus) Close() error { return nil }
