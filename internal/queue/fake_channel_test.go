// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// fakeChannel records declarations and publishes in memory, behaving like
// a broker for redeclaration: identical arguments succeed, differing ones fail.
type fakeChannel struct {
	mu sync.Mutex

	exchanges map[string]string
	queues    map[string]bool
	bindings  map[Binding]int
	published []published
	pending   map[string][]amqp.Delivery

	failWith error
	declared bool
	// nack makes the broker reject publishes; silent leaves them unconfirmed.
	nack   bool
	silent bool
}

// fakeConfirmation resolves immediately unless the broker stays silent.
type fakeConfirmation struct {
	ack    bool
	silent bool
}

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	if c.silent {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return c.ack, nil
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: map[string]string{},
		queues:    map[string]bool{},
		bindings:  map[Binding]int{},
		pending:   map[string][]amqp.Delivery{},
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if existing, ok := f.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("PRECONDITION_FAILED: exchange %s is %s", name, existing)
	}
	f.exchanges[name] = kind
	f.declared = true
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return amqp.Queue{}, f.failWith
	}
	if existing, ok := f.queues[name]; ok && existing != durable {
		return amqp.Queue{}, fmt.Errorf("PRECONDITION_FAILED: queue %s durability differs", name)
	}
	f.queues[name] = durable
	return amqp.Queue{Name: name, Messages: len(f.pending[name])}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return amqp.Queue{}, f.failWith
	}
	if _, ok := f.queues[name]; !ok {
		return amqp.Queue{}, fmt.Errorf("NOT_FOUND: no queue %s", name)
	}
	return amqp.Queue{Name: name, Messages: len(f.pending[name])}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.queues[name]; !ok {
		return fmt.Errorf("NOT_FOUND: no queue %s", name)
	}
	if _, ok := f.exchanges[exchange]; !ok {
		return fmt.Errorf("NOT_FOUND: no exchange %s", exchange)
	}
	f.bindings[Binding{Queue: name, Exchange: exchange, Key: key}]++
	return nil
}

func (f *fakeChannel) PublishConfirmed(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.published = append(f.published, published{Exchange: exchange, Key: key, Msg: msg})
	// Once a topology has been declared, publishing to a missing exchange
	// is rejected like the broker's NOT_FOUND channel close.
	if _, ok := f.exchanges[exchange]; f.declared && !ok {
		return fakeConfirmation{ack: false}, nil
	}
	return fakeConfirmation{ack: !f.nack, silent: f.silent}, nil
}

// restart forgets every transient exchange, as a broker restart does.
func (f *fakeChannel) restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = map[string]string{}
	f.bindings = map[Binding]int{}
}

func (f *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return amqp.Delivery{}, false, f.failWith
	}
	msgs := f.pending[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	f.pending[queue] = msgs[1:]
	return msgs[0], true, nil
}

func (f *fakeChannel) enqueue(queue string, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[queue] = append(f.pending[queue], amqp.Delivery{Body: []byte(body)})
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}
