package contracts

import (
	"context"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/envelope"
)

// Transport is the generic interface to a message broker. The reference
// implementation speaks AMQP 0.9.1 (contrib/broker/amqp); an in-memory
// transport ships with the core for tests and development, and contrib
// carries a Kafka subset.
//
// A process holds a single transport connection. Each receive endpoint gets
// one consumer, so deliveries on a queue are processed sequentially up to the
// configured prefetch; endpoints proceed in parallel.
type Transport interface {
	// Connection management. Implementations reconnect on their own after
	// a broker disconnect; unacked deliveries are redelivered by the
	// broker on reconnect.
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool
	Name() string

	// DeclareTopology creates the exchanges, queues and bindings an
	// application registered. Called once at startup, before Subscribe.
	DeclareTopology(ctx context.Context, t *Topology) error

	// Publish sends the envelope to an exchange, persistently,
	// fire-and-forget.
	Publish(ctx context.Context, exchange string, env *envelope.Envelope) error

	// Request publishes the envelope with reply plumbing attached and
	// blocks until the correlated reply arrives or the timeout elapses.
	Request(ctx context.Context, exchange string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)

	// Reply answers a delivery that carried reply metadata.
	Reply(ctx context.Context, replyTo, correlationID string, env *envelope.Envelope) error

	// SendToQueue bypasses exchanges and routes directly to a queue. Used
	// for error-queue deadlettering and per-activity dispatch.
	SendToQueue(ctx context.Context, queue string, env *envelope.Envelope) error

	// Subscribe attaches the single consumer for a queue. The handler is
	// invoked sequentially per queue; it owns Ack/Nack.
	Subscribe(ctx context.Context, queue string, prefetch int, handler DeliveryHandler) error
	Unsubscribe(queue string) error

	// Redeliver republishes the envelope to the queue's delayed exchange
	// so it re-arrives after the given delay. Callers must have checked
	// SupportsDelayedDelivery.
	Redeliver(ctx context.Context, queue string, env *envelope.Envelope, delay time.Duration) error

	// SupportsDelayedDelivery reports whether the broker can delay
	// redeliveries (for AMQP, whether the delayed-message plugin probe
	// succeeded at connect time).
	SupportsDelayedDelivery() bool

	// Admin operations.
	Purge(ctx context.Context, queue string) error
	QueueLength(ctx context.Context, queue string) (int64, error)
}

// DeliveryHandler processes one delivery. Returning an error without acking
// leaves redelivery to the broker.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// Delivery is a single message received on a queue.
type Delivery struct {
	Envelope *envelope.Envelope

	Queue         string
	ReplyTo       string
	CorrelationID string
	Redelivered   bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery is used by transport implementations to hand a delivery to the
// consumer pipeline.
func NewDelivery(env *envelope.Envelope, queue, replyTo, correlationID string, redelivered bool, ack func() error, nack func(bool) error) *Delivery {
	return &Delivery{
		Envelope:      env,
		Queue:         queue,
		ReplyTo:       replyTo,
		CorrelationID: correlationID,
		Redelivered:   redelivered,
		ack:           ack,
		nack:          nack,
	}
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally requeueing it.
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Exchange kinds. Fanout is the default for type exchanges; delayed
// exchanges require the broker's delayed-message plugin.
const (
	ExchangeFanout  = "fanout"
	ExchangeDirect  = "direct"
	ExchangeDelayed = "x-delayed-message"
)

// Topology is the broker state an application requires: one fanout exchange
// per logical message type, one queue per receive endpoint, bindings between
// them, and the redelivery/error plumbing for endpoints that asked for it.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Exchange declares a destination messages are published to.
type Exchange struct {
	Name string
	Kind string
	Args map[string]any
}

// Queue declares a receive endpoint's queue. WithRedelivery asks the
// transport to also declare the endpoint's delayed exchange; WithErrorQueue
// declares the companion <name>_error queue.
type Queue struct {
	Name           string
	Durable        bool
	AutoDelete     bool
	Args           map[string]any
	WithRedelivery bool
	WithErrorQueue bool
}

// Binding routes messages from an exchange to a queue.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Naming rules shared by all transports. Exchange and queue names carry the
// cluster namespace so deployments can share a broker.

// QualifiedName prefixes a name with the cluster namespace.
func QualifiedName(cluster, name string) string {
	if cluster == "" {
		return name
	}
	return cluster + ":" + name
}

// ErrorQueueName returns the deadletter queue companion to a queue.
func ErrorQueueName(queue string) string {
	return queue + "_error"
}

// DelayedExchangeName returns the delayed exchange feeding a queue.
func DelayedExchangeName(queue string) string {
	return "delayed.exchange." + queue
}
