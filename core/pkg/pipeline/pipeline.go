// Package pipeline implements the per-queue consumer pipeline: decode the
// payload, validate it, invoke the handler, reply when requested, then apply
// in-memory retry (level 1), delayed redelivery (level 2) and error-queue
// deadlettering in that order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
	"github.com/caravan-bus/caravan/core/pkg/retry"
)

// Handler consumes one typed message. Consumers, saga event handlers and
// routing-slip activity hosts all implement it.
type Handler interface {
	// NewMessage returns a fresh payload instance to decode into.
	NewMessage() any

	// Handle processes the message. The returned value, when the delivery
	// carried reply metadata, is published back to the requester; nil is
	// replied as true.
	Handle(ctx context.Context, mc *MessageContext) (any, error)
}

// HandlerFunc adapts a factory and a function to the Handler interface.
type HandlerFunc struct {
	New func() any
	Fn  func(ctx context.Context, mc *MessageContext) (any, error)
}

func (h HandlerFunc) NewMessage() any { return h.New() }

func (h HandlerFunc) Handle(ctx context.Context, mc *MessageContext) (any, error) {
	return h.Fn(ctx, mc)
}

// MessageContext is the behavior context handed to handlers.
type MessageContext struct {
	Envelope *envelope.Envelope

	// Message is the decoded, validated payload.
	Message any

	// SagaState is the raw headers.saga value, nil when the envelope did
	// not originate inside a saga step.
	SagaState json.RawMessage

	Queue       string
	Redelivered bool
}

// Endpoint is the per-queue configuration surface.
type Endpoint struct {
	Queue          string
	Prefetch       int
	Retry          retry.Strategy // level 1, in-memory
	Redelivery     retry.Strategy // level 2, broker-delayed
	PurgeOnStartup bool
}

// Pipeline dispatches deliveries on one queue to the handlers registered for
// their message types.
type Pipeline struct {
	endpoint  Endpoint
	cluster   string
	transport contracts.Transport
	validator contracts.Validator
	logger    contracts.Logger

	handlers map[string]Handler

	warnNoDelay sync.Once
}

// New creates a pipeline for one receive endpoint. Validator may be nil, in
// which case payloads are not schema-checked.
func New(endpoint Endpoint, cluster string, transport contracts.Transport, validator contracts.Validator, logger contracts.Logger) *Pipeline {
	if logger == nil {
		logger = contracts.NopLogger()
	}
	return &Pipeline{
		endpoint:  endpoint,
		cluster:   cluster,
		transport: transport,
		validator: validator,
		logger:    logger.Named("pipeline").WithFields("queue", endpoint.Queue),
		handlers:  make(map[string]Handler),
	}
}

// AddHandler registers the handler for a logical message type name.
func (p *Pipeline) AddHandler(typeName string, h Handler) error {
	if _, dup := p.handlers[typeName]; dup {
		return fmt.Errorf("pipeline: handler for %s already registered on %s", typeName, p.endpoint.Queue)
	}
	p.handlers[typeName] = h
	return nil
}

// Endpoint returns the endpoint configuration this pipeline serves.
func (p *Pipeline) Endpoint() Endpoint { return p.endpoint }

// Handle is the contracts.DeliveryHandler attached to the endpoint's queue.
// It always settles the delivery: successful and deadlettered messages are
// acked, so nothing loops through the broker untracked.
func (p *Pipeline) Handle(ctx context.Context, d *contracts.Delivery) error {
	env := d.Envelope

	handler, ok := p.handlers[env.TypeName()]
	if !ok {
		p.deadletter(ctx, d, 0, fmt.Errorf("no handler registered for message type %s", env.TypeName()))
		return nil
	}

	mc, err := p.buildContext(d, handler)
	if err != nil {
		// Decode and validation faults are permanent: no retry, no
		// redelivery, straight to the error queue.
		p.deadletter(ctx, d, 0, err)
		return nil
	}

	var result any
	err = retry.Do(ctx, p.endpoint.Retry, func(ctx context.Context) error {
		var handleErr error
		result, handleErr = handler.Handle(ctx, mc)
		return handleErr
	})
	if err != nil {
		p.fail(ctx, d, err)
		return nil
	}

	if d.ReplyTo != "" && d.CorrelationID != "" {
		if replyErr := p.reply(ctx, d, result); replyErr != nil {
			p.logger.WithError(replyErr).Error("reply failed", "messageId", env.MessageID)
		}
	}

	return d.Ack()
}

func (p *Pipeline) buildContext(d *contracts.Delivery, handler Handler) (*MessageContext, error) {
	msg := handler.NewMessage()
	if err := d.Envelope.DecodeMessage(msg); err != nil {
		return nil, err
	}
	if p.validator != nil {
		if err := p.validator.Validate(msg); err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", d.Envelope.TypeName(), err)
		}
	}
	return &MessageContext{
		Envelope:    d.Envelope,
		Message:     msg,
		SagaState:   d.Envelope.Headers.Saga,
		Queue:       d.Queue,
		Redelivered: d.Redelivered,
	}, nil
}

func (p *Pipeline) reply(ctx context.Context, d *contracts.Delivery, result any) error {
	if result == nil {
		result = true
	}
	env, err := envelope.New(envelope.TypePublish, p.cluster, d.Envelope.TypeName(), result)
	if err != nil {
		return err
	}
	return p.transport.Reply(ctx, d.ReplyTo, d.CorrelationID, env)
}

// fail applies the level-2 ladder after level-1 retries are exhausted.
func (p *Pipeline) fail(ctx context.Context, d *contracts.Delivery, err error) {
	retryCount := 0
	var re *retry.Error
	if errors.As(err, &re) {
		retryCount = re.Attempts - 1
	}

	if retry.IsPermanent(err) {
		p.deadletter(ctx, d, retryCount, err)
		return
	}

	if p.endpoint.Redelivery == nil {
		p.deadletter(ctx, d, retryCount, err)
		return
	}

	if !p.transport.SupportsDelayedDelivery() {
		p.warnNoDelay.Do(func() {
			p.logger.Warn("delayed delivery unavailable, redelivery disabled for endpoint")
		})
		p.deadletter(ctx, d, retryCount, err)
		return
	}

	attempt := d.Envelope.Headers.Redelivery + 1
	if attempt > p.endpoint.Redelivery.Attempts() {
		p.deadletter(ctx, d, retryCount, err)
		return
	}

	delay := p.endpoint.Redelivery.Delay(attempt)
	// The payload bytes are untouched: only the redelivery counters in the
	// envelope headers move.
	clone := *d.Envelope
	clone.Headers.Redelivery = attempt
	clone.Headers.Delay = delay.Milliseconds()

	if redeliverErr := p.transport.Redeliver(ctx, d.Queue, &clone, delay); redeliverErr != nil {
		p.logger.WithError(redeliverErr).Error("redelivery publish failed", "messageId", d.Envelope.MessageID)
		p.deadletter(ctx, d, retryCount, err)
		return
	}

	p.logger.Warn("message scheduled for redelivery",
		"messageId", d.Envelope.MessageID, "attempt", attempt, "delay", delay)
	if ackErr := d.Ack(); ackErr != nil {
		p.logger.WithError(ackErr).Error("ack after redelivery failed")
	}
}
