package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
	"github.com/caravan-bus/caravan/core/pkg/routingslip"
)

// Publishing side of the bus. The App implements saga.Publisher and
// routingslip.Requester so the runtime modules publish through the same
// registration-aware path as user code.

// exchangeFor resolves the exchange a message type publishes to. Types with a
// registered consumer publish to the consumer's type exchange; unregistered
// types fall back to an exchange named after the type.
func (a *App) exchangeFor(typeName string) string {
	return contracts.QualifiedName(a.cluster, typeName)
}

// Publish sends a payload fire-and-forget to the type's fanout exchange.
func (a *App) Publish(ctx context.Context, typeName string, payload any) error {
	env, err := envelope.New(envelope.TypePublish, a.cluster, typeName, payload)
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, a.exchangeFor(typeName), env)
}

// PublishMessage implements saga.Publisher: the saved saga state rides in the
// envelope's saga header.
func (a *App) PublishMessage(ctx context.Context, typeName string, payload any, sagaState json.RawMessage) error {
	env, err := envelope.New(envelope.TypePublishAsync, a.cluster, typeName, payload)
	if err != nil {
		return err
	}
	env.Headers.Saga = sagaState
	return a.transport.Publish(ctx, a.exchangeFor(typeName), env)
}

// Request publishes and blocks for the correlated reply, decoded into result.
func (a *App) Request(ctx context.Context, typeName string, payload, result any) error {
	env, err := envelope.New(envelope.TypePublishAsync, a.cluster, typeName, payload)
	if err != nil {
		return err
	}
	reply, err := a.transport.Request(ctx, a.exchangeFor(typeName), env, a.requestTimeout)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return reply.DecodeMessage(result)
}

// RequestQueue implements routingslip.Requester: point-to-point request/reply
// against a specific queue, for per-activity dispatch.
func (a *App) RequestQueue(ctx context.Context, queue, typeName string, payload any, timeout time.Duration) (json.RawMessage, error) {
	env, err := envelope.New(envelope.TypePublishAsync, a.cluster, typeName, payload)
	if err != nil {
		return nil, err
	}
	reply, err := a.transport.Request(ctx, contracts.QualifiedName(a.cluster, queue), env, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Message, nil
}

// RoutingSlipExecutor builds the executor matching the configured execution
// mode. Call after registration; in distributed mode the per-activity hosts
// are provisioned by Start.
func (a *App) RoutingSlipExecutor() (interface {
	Execute(ctx context.Context, rs *routingslip.RoutingSlip) error
	Subscribe(events *routingslip.Events)
}, error) {
	switch a.rsOptions.ExecutionMode {
	case routingslip.ModeDistributed:
		return routingslip.NewDistributedExecutor(a, routingslip.DistributedConfig{
			QueuePrefix:    a.rsOptions.QueuePrefix,
			RequestTimeout: a.rsOptions.RequestTimeout,
		}, a.logger), nil
	case routingslip.ModeInProcess, "":
		return routingslip.NewExecutor(a.activities, a.logger), nil
	default:
		return nil, fmt.Errorf("app: unknown routing slip execution mode %q", a.rsOptions.ExecutionMode)
	}
}

// QueueLength reports the backlog of a registered endpoint's queue.
func (a *App) QueueLength(ctx context.Context, queue string) (int64, error) {
	return a.transport.QueueLength(ctx, contracts.QualifiedName(a.cluster, queue))
}
