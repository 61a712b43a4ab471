// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package ddabus is the multi-host transport.Bus implementation, backed by
// github.com/coatyio/dda embedded as a library the same way
// components/worker.go embeds it (no gRPC sidecar: every rank here is a
// symmetric peer, not a client/sidecar pair, so the library-embedding shape
// the teacher's Worker uses fits every rank uniformly — see DESIGN.md).
// Envelopes are published as DDA events on a per-(destination rank, tag)
// topic, mirroring the teacher's per-concern topic constants
// (components/common.go).
package ddabus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coatyio/dda/config"
	"github.com/coatyio/dda/dda"
	"github.com/coatyio/dda/services/com/api"
	"github.com/google/uuid"

	"github.com/ariparti/ariparti/internal/clog"
	"github.com/ariparti/ariparti/internal/message"
)

const namespace = "ariparti"

func controlTopic(rank int) string { return fmt.Sprintf("%s.ctrl.%d", namespace, rank) }
func payloadTopic(rank int) string { return fmt.Sprintf("%s.payload.%d", namespace, rank) }

// Bus is the DDA-backed transport.Bus implementation for one rank.
type Bus struct {
	*clog.CLogger
	id   string
	rank int
	dda  *dda.Dda

	mu      sync.Mutex
	control chan message.Envelope
	payload chan message.Envelope
}

// Open creates, configures and opens a Bus for the given rank, connecting to
// the DDA broker at brokerURL, and begins subscribing to the topics
// addressed to this rank. It mirrors Worker.initDda/Worker.Start's
// initialization order: build config, dda.New, dda.Open, then subscribe.
func Open(ctx context.Context, rank int, brokerURL string) (*Bus, error) {
	id := uuid.NewString()

	cfg := config.New()
	cfg.Services.Com.Url = brokerURL
	cfg.Identity.Name = fmt.Sprintf("ariparti-rank-%d", rank)
	cfg.Identity.Id = id
	cfg.Apis.Grpc.Disabled = true
	cfg.Apis.GrpcWeb.Disabled = true

	d, err := dda.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("ddabus: new dda: %w", err)
	}
	if err := d.Open(0); err != nil {
		return nil, fmt.Errorf("ddabus: open dda: %w", err)
	}

	b := &Bus{
		CLogger: clog.New("transport", rank),
		id:      id,
		rank:    rank,
		dda:     d,
		control: make(chan message.Envelope, 256),
		payload: make(chan message.Envelope, 256),
	}

	if err := b.subscribe(ctx, message.TagControl, controlTopic(rank), b.control); err != nil {
		d.Close()
		return nil, err
	}
	if err := b.subscribe(ctx, message.TagPayload, payloadTopic(rank), b.payload); err != nil {
		d.Close()
		return nil, err
	}

	return b, nil
}

func (b *Bus) subscribe(ctx context.Context, tag message.Tag, topic string, out chan message.Envelope) error {
	evts, err := b.dda.SubscribeEvent(ctx, api.SubscriptionFilter{Type: topic})
	if err != nil {
		return fmt.Errorf("ddabus: subscribe %s: %w", topic, err)
	}
	go func() {
		for evt := range evts {
			var env message.Envelope
			if err := json.Unmarshal(evt.Data, &env); err != nil {
				b.Errorf("ddabus: malformed envelope on %s: %v", topic, err)
				continue
			}
			out <- env
		}
	}()
	return nil
}

func (b *Bus) Rank() int { return b.rank }

func (b *Bus) Send(ctx context.Context, destRank int, env message.Envelope) error {
	env.SrcRank = b.rank
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ddabus: marshal envelope: %w", err)
	}

	var topic string
	switch env.Tag {
	case message.TagControl:
		topic = controlTopic(destRank)
	case message.TagPayload:
		topic = payloadTopic(destRank)
	default:
		return fmt.Errorf("ddabus: unknown tag %d", env.Tag)
	}

	evt := api.Event{
		Type:   topic,
		Id:     uuid.NewString(),
		Source: b.id,
		Data:   data,
	}
	return b.dda.PublishEvent(evt)
}

func (b *Bus) chanFor(tag message.Tag) (chan message.Envelope, error) {
	switch tag {
	case message.TagControl:
		return b.control, nil
	case message.TagPayload:
		return b.payload, nil
	default:
		return nil, fmt.Errorf("ddabus: unknown tag %d", tag)
	}
}

func (b *Bus) Recv(ctx context.Context, tag message.Tag) (message.Envelope, error) {
	ch, err := b.chanFor(tag)
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
	ch, err := b.chanFor(tag)
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

func (b *Bus) Close() error {
	b.dda.Close()
	return nil
}
