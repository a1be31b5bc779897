// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
)

// Inspector reads broker state without publishing.
type Inspector struct {
	ch Channel
}

// NewInspector creates an Inspector over ch.
func NewInspector(ch Channel) *Inspector {
	return &Inspector{ch: ch}
}

// DrainError takes one message off the errors queue, acknowledging it on
// receipt. ok is false when the queue is empty.
func (i *Inspector) DrainError(ctx context.Context) (body []byte, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	d, ok, err := i.ch.Get(ErrorsQueue, true)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to read %s: %v", ErrBrokerUnavailable, ErrorsQueue, err)
	}
	if !ok {
		return nil, false, nil
	}
	getLog().Info().Str("message_id", d.MessageId).Int("bytes", len(d.Body)).Msg("Drained error message")
	return d.Body, true, nil
}

// Depths returns the ready message count of every declared queue.
func (i *Inspector) Depths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int, len(queues))
	for _, name := range queues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, err := i.ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to inspect %s: %v", ErrBrokerUnavailable, name, err)
		}
		depths[name] = q.Messages
	}
	return depths, nil
}
