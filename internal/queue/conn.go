// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bob-cd/apiserver/internal/config"
	"github.com/bob-cd/apiserver/internal/logger"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrBrokerUnavailable is returned when the broker cannot be reached.
var ErrBrokerUnavailable = errors.New("broker unavailable")

var (
	queueLog     *zerolog.Logger
	queueLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	queueLogOnce.Do(func() {
		l := logger.GetQueueLogger()
		queueLog = &l
	})
	return queueLog
}

// Confirmation is a pending broker acknowledgement for one publish.
// *amqp.DeferredConfirmation satisfies it.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Channel is the subset of an AMQP channel the gateway uses. *Conn
// satisfies it over a confirm-mode channel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishConfirmed(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// ReconnectHook runs after the connection has been re-established.
type ReconnectHook func(ctx context.Context) error

// Conn wraps a long-lived broker connection shared by every request. It owns
// a single channel which is reopened after a channel-level error, and
// reconnects in the background when the connection drops.
type Conn struct {
	url      string
	attempts int
	delay    time.Duration
	dial     func(url string) (*amqp.Connection, error)

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected atomic.Bool
	closing   atomic.Bool
	cancel    context.CancelFunc

	hooksMu sync.Mutex
	hooks   []ReconnectHook
}

var _ Channel = (*Conn)(nil)

// Dial connects to the broker, retrying up to the configured number of
// attempts with a fixed delay between them.
func Dial(ctx context.Context, qc config.QueueConfig, rc config.ConnectionConfig) (*Conn, error) {
	c := &Conn{
		url:      qc.Credentials(),
		attempts: rc.RetryAttempts,
		delay:    rc.RetryDelay,
		dial:     amqp.Dial,
	}

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.connected.Store(true)

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watch(watchCtx, conn.NotifyClose(make(chan *amqp.Error, 1)))

	getLog().Info().Str("url", redact(qc.URL)).Msg("Connected to broker")
	return c, nil
}

func (c *Conn) dialWithRetry(ctx context.Context) (*amqp.Connection, error) {
	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		attempt++
		conn, err := c.dial(c.url)
		if err != nil {
			getLog().Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.attempts).Msg("Broker connection failed, retrying")
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.delay)),
		backoff.WithMaxTries(uint(c.attempts)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: could not connect after %d attempts: %v", ErrBrokerUnavailable, attempt, err)
	}
	return conn, nil
}

// watch flips the connected flag when the connection drops and re-dials.
func (c *Conn) watch(ctx context.Context, closed <-chan *amqp.Error) {
	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closed:
			c.connected.Store(false)
			if c.closing.Load() {
				return
			}
			getLog().Error().Interface("reason", amqpErr).Msg("Broker connection lost, reconnecting")

			conn, err := c.dialWithRetry(ctx)
			if err != nil {
				getLog().Error().Err(err).Msg("Broker reconnection exhausted")
				return
			}

			c.mu.Lock()
			c.conn = conn
			c.ch = nil
			c.mu.Unlock()
			c.connected.Store(true)
			closed = conn.NotifyClose(make(chan *amqp.Error, 1))
			getLog().Info().Msg("Reconnected to broker")
			c.reconnected(ctx)
		}
	}
}

// OnReconnect registers fn to run after every successful reconnect, in
// registration order.
func (c *Conn) OnReconnect(fn ReconnectHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// reconnected runs the reconnect hooks. A failing hook is logged and does not
// stop the others; the connection stays up either way.
func (c *Conn) reconnected(ctx context.Context) {
	c.hooksMu.Lock()
	hooks := append([]ReconnectHook(nil), c.hooks...)
	c.hooksMu.Unlock()

	for i, fn := range hooks {
		if err := fn(ctx); err != nil {
			getLog().Error().Err(err).Int("hook", i).Msg("Reconnect hook failed")
		}
	}
}

// IsConnected reports the local connection state. It never touches the network.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// withChannel runs fn on the shared channel, opening it if needed.
// Caller must not hold c.mu.
func (c *Conn) withChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() || c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}
	if c.ch == nil || c.ch.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("%w: failed to open channel: %v", ErrBrokerUnavailable, err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("%w: failed to enable publisher confirms: %v", ErrBrokerUnavailable, err)
		}
		c.ch = ch
	}
	return fn(c.ch)
}

func (c *Conn) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
	})
}

func (c *Conn) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := c.withChannel(func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
		return err
	})
	return q, err
}

func (c *Conn) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := c.withChannel(func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, durable, autoDelete, exclusive, noWait, args)
		return err
	})
	return q, err
}

func (c *Conn) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		return ch.QueueBind(name, key, exchange, noWait, args)
	})
}

// PublishConfirmed writes msg and returns the pending broker confirmation.
// The wait happens outside the channel lock so publishes can pipeline.
func (c *Conn) PublishConfirmed(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error) {
	var dc *amqp.DeferredConfirmation
	err := c.withChannel(func(ch *amqp.Channel) error {
		var err error
		dc, err = ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func (c *Conn) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	var (
		d  amqp.Delivery
		ok bool
	)
	err := c.withChannel(func(ch *amqp.Channel) error {
		var err error
		d, ok, err = ch.Get(queue, autoAck)
		return err
	})
	return d, ok, err
}

// Close stops reconnection and closes the connection.
func (c *Conn) Close() error {
	c.closing.Store(true)
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected.Store(false)
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	getLog().Info().Msg("Broker connection closed")
	return nil
}

// redact strips credentials from a broker URL before it is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
