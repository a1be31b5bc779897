// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bob-cd/apiserver/internal/protocol"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bob-cd/apiserver/internal/queue"

// DefaultConfirmTimeout bounds the wait for a broker acknowledgement.
const DefaultConfirmTimeout = 5 * time.Second

// Publisher sends command envelopes to the broker. A publish succeeds once
// the broker has acknowledged it; it does not wait for any worker to consume
// it and never retries.
type Publisher struct {
	ch             Channel
	tracer         trace.Tracer
	now            func() time.Time
	confirmTimeout time.Duration
}

// NewPublisher creates a Publisher over ch.
func NewPublisher(ch Channel) *Publisher {
	return &Publisher{
		ch:             ch,
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
		confirmTimeout: DefaultConfirmTimeout,
	}
}

// Publish routes env through the static routing table.
func (p *Publisher) Publish(ctx context.Context, env protocol.Envelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("unknown command type %q", env.Type)
	}
	route, ok := RouteFor(env.Type)
	if !ok {
		return fmt.Errorf("no route for command %q", env.Type)
	}
	return p.PublishTo(ctx, route, env)
}

// PublishTo emits env on an explicit exchange and routing key. The command
// type travels as the message type property.
func (p *Publisher) PublishTo(ctx context.Context, route Route, env protocol.Envelope) error {
	ctx, span := p.tracer.Start(ctx, "publish "+env.Type.String(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", route.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", route.RoutingKey),
			attribute.String("bob.command", env.Type.String()),
		))
	defer span.End()

	body, err := env.Body()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		Type:         env.Type.String(),
		Body:         body,
	}

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		getLog().Error().Err(err).
			Str("type", env.Type.String()).
			Str("exchange", route.Exchange).
			Str("routing_key", route.RoutingKey).
			Msg("Failed to publish command")
		return fmt.Errorf("%w: failed to publish %s: %v", ErrBrokerUnavailable, env.Type, err)
	}

	confirm, err := p.ch.PublishConfirmed(ctx, route.Exchange, route.RoutingKey, false, false, msg)
	if err != nil {
		return fail(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fail(fmt.Errorf("no confirmation: %w", err))
	}
	if !acked {
		return fail(errors.New("rejected by broker"))
	}

	getLog().Debug().
		Str("type", env.Type.String()).
		Str("exchange", route.Exchange).
		Str("routing_key", route.RoutingKey).
		Str("message_id", msg.MessageId).
		Msg("Published command")
	return nil
}

// tableCarrier adapts AMQP headers to a propagation carrier.
type tableCarrier amqp.Table

var _ propagation.TextMapCarrier = tableCarrier{}

func (c tableCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
