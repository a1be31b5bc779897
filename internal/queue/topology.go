// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/bob-cd/apiserver/internal/protocol"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker object names shared with the workers. They must match exactly.
const (
	DirectExchange = "bob.direct"
	FanoutExchange = "bob.fanout"

	EntitiesQueue = "bob.entities"
	JobsQueue     = "bob.jobs"
	ErrorsQueue   = "bob.errors"
)

// Exchange is one exchange declaration.
type Exchange struct {
	Name string
	Kind string
}

// Binding ties a queue to an exchange under a routing key.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// Route is where a command is published.
type Route struct {
	Exchange   string
	RoutingKey string
}

var (
	exchanges = []Exchange{
		{Name: DirectExchange, Kind: amqp.ExchangeDirect},
		{Name: FanoutExchange, Kind: amqp.ExchangeFanout},
	}

	queues = []string{JobsQueue, EntitiesQueue, ErrorsQueue}

	bindings = []Binding{
		{Queue: JobsQueue, Exchange: DirectExchange, Key: JobsQueue},
		{Queue: JobsQueue, Exchange: FanoutExchange, Key: JobsQueue},
		{Queue: EntitiesQueue, Exchange: DirectExchange, Key: EntitiesQueue},
	}

	entities  = Route{Exchange: DirectExchange, RoutingKey: EntitiesQueue}
	jobs      = Route{Exchange: DirectExchange, RoutingKey: JobsQueue}
	broadcast = Route{Exchange: FanoutExchange, RoutingKey: ""}

	routes = map[protocol.CommandType]Route{
		protocol.PipelineCreate:         entities,
		protocol.PipelineDelete:         entities,
		protocol.ResourceProviderCreate: entities,
		protocol.ResourceProviderDelete: entities,
		protocol.ArtifactStoreCreate:    entities,
		protocol.ArtifactStoreDelete:    entities,
		protocol.PipelineStart:          jobs,
		protocol.PipelineStop:           broadcast,
		protocol.PipelinePause:          broadcast,
		protocol.PipelineUnpause:        broadcast,
	}
)

// RouteFor looks up the exchange and routing key for a command.
func RouteFor(ct protocol.CommandType) (Route, bool) {
	r, ok := routes[ct]
	return r, ok
}

// Bindings returns the declared bindings.
func Bindings() []Binding { return append([]Binding(nil), bindings...) }

// Topology declares the exchanges, queues and bindings the workers expect.
type Topology struct {
	ch Channel

	mu      sync.Mutex
	ensured bool
}

// NewTopology creates a Topology over ch.
func NewTopology(ch Channel) *Topology {
	return &Topology{ch: ch}
}

// Ensure declares everything once per process. Later calls are no-ops; the
// declarations themselves are idempotent on the broker so a forced redeclare
// with Redeclare is also safe.
func (t *Topology) Ensure(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ensured {
		return nil
	}
	if err := t.declare(ctx); err != nil {
		return err
	}
	t.ensured = true
	return nil
}

// Redeclare declares everything again, e.g. after a broker restart.
func (t *Topology) Redeclare(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.declare(ctx); err != nil {
		t.ensured = false
		return err
	}
	t.ensured = true
	return nil
}

func (t *Topology) declare(ctx context.Context) error {
	for _, ex := range exchanges {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Exchanges are transient and queues durable; the workers declare
		// the same way and a mismatch is a PRECONDITION_FAILED on the broker.
		if err := t.ch.ExchangeDeclare(ex.Name, ex.Kind, false, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: failed to declare exchange %s: %v", ErrBrokerUnavailable, ex.Name, err)
		}
	}

	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: failed to declare queue %s: %v", ErrBrokerUnavailable, q, err)
		}
	}

	for _, b := range bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("%w: failed to bind %s to %s: %v", ErrBrokerUnavailable, b.Queue, b.Exchange, err)
		}
	}

	getLog().Info().
		Int("exchanges", len(exchanges)).
		Int("queues", len(queues)).
		Int("bindings", len(bindings)).
		Msg("Broker topology declared")
	return nil
}
