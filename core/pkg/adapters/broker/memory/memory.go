// Package memory implements an in-process Transport for tests and local
// development. It models the broker semantics the runtime relies on: fanout
// routing, one sequential consumer per queue, request/reply correlation and
// timer-based delayed redelivery.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
	"github.com/google/uuid"
)

const defaultQueueDepth = 1024

type exchange struct {
	kind   string
	queues []string
}

type queue struct {
	ch   chan delivery
	stop chan struct{}
	done chan struct{}
}

type delivery struct {
	env           *envelope.Envelope
	replyTo       string
	correlationID string
	redelivered   bool
}

// Transport is the in-memory broker. Use New; the zero value is unusable.
type Transport struct {
	mu        sync.Mutex
	connected bool
	exchanges map[string]*exchange
	queues    map[string]*queue
	pending   map[string]chan *envelope.Envelope // correlation id -> reply
	timers    []*time.Timer
	logger    contracts.Logger
}

// New creates a disconnected in-memory transport.
func New(logger contracts.Logger) *Transport {
	if logger == nil {
		logger = contracts.NopLogger()
	}
	return &Transport{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		pending:   make(map[string]chan *envelope.Envelope),
		logger:    logger.Named("memory"),
	}
}

func (t *Transport) Name() string { return "memory" }

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
	queues := make([]*queue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.connected = false
	t.mu.Unlock()

	for _, q := range queues {
		q.stopConsumer()
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SupportsDelayedDelivery is always true: delays run on in-process timers.
func (t *Transport) SupportsDelayedDelivery() bool { return true }

func (t *Transport) DeclareTopology(_ context.Context, top *contracts.Topology) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ex := range top.Exchanges {
		if _, ok := t.exchanges[ex.Name]; !ok {
			t.exchanges[ex.Name] = &exchange{kind: ex.Kind}
		}
	}
	for _, q := range top.Queues {
		t.declareQueue(q.Name)
		if q.WithErrorQueue {
			t.declareQueue(contracts.ErrorQueueName(q.Name))
		}
		if q.WithRedelivery {
			name := contracts.DelayedExchangeName(q.Name)
			if _, ok := t.exchanges[name]; !ok {
				t.exchanges[name] = &exchange{kind: contracts.ExchangeDelayed}
			}
		}
	}
	for _, b := range top.Bindings {
		ex, ok := t.exchanges[b.Exchange]
		if !ok {
			return fmt.Errorf("memory: binding references undeclared exchange %s", b.Exchange)
		}
		if _, ok := t.queues[b.Queue]; !ok {
			return fmt.Errorf("memory: binding references undeclared queue %s", b.Queue)
		}
		ex.queues = append(ex.queues, b.Queue)
	}
	return nil
}

// declareQueue is idempotent. Callers hold t.mu.
func (t *Transport) declareQueue(name string) {
	if _, ok := t.queues[name]; ok {
		return
	}
	t.queues[name] = &queue{ch: make(chan delivery, defaultQueueDepth)}
}

func (t *Transport) Publish(_ context.Context, exchangeName string, env *envelope.Envelope) error {
	t.mu.Lock()
	ex, ok := t.exchanges[exchangeName]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("memory: publish to undeclared exchange %s", exchangeName)
	}
	targets := make([]*queue, 0, len(ex.queues))
	for _, name := range ex.queues {
		targets = append(targets, t.queues[name])
	}
	t.mu.Unlock()

	for _, q := range targets {
		q.ch <- delivery{env: env}
	}
	return nil
}

func (t *Transport) SendToQueue(_ context.Context, queueName string, env *envelope.Envelope) error {
	t.mu.Lock()
	t.declareQueue(queueName)
	q := t.queues[queueName]
	t.mu.Unlock()

	q.ch <- delivery{env: env}
	return nil
}

// Request publishes with reply plumbing and blocks for the correlated answer.
// The destination is resolved as an exchange first, then as a queue, so
// per-activity dispatch can use the same path.
func (t *Transport) Request(ctx context.Context, destination string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	correlationID := uuid.NewString()
	replyCh := make(chan *envelope.Envelope, 1)

	t.mu.Lock()
	t.pending[correlationID] = replyCh

	var targets []*queue
	if ex, ok := t.exchanges[destination]; ok {
		for _, name := range ex.queues {
			targets = append(targets, t.queues[name])
		}
	} else {
		t.declareQueue(destination)
		targets = append(targets, t.queues[destination])
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
	}()

	d := delivery{env: env, replyTo: "memory.reply-to", correlationID: correlationID}
	for _, q := range targets {
		q.ch <- d
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("memory: request %s timed out after %s", env.TypeName(), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Reply(_ context.Context, _, correlationID string, env *envelope.Envelope) error {
	t.mu.Lock()
	ch, ok := t.pending[correlationID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory: no pending request for correlation %s", correlationID)
	}
	select {
	case ch <- env:
	default:
	}
	return nil
}

// Subscribe starts the queue's single consumer goroutine. Deliveries are
// handled sequentially; prefetch has no effect in process.
func (t *Transport) Subscribe(ctx context.Context, queueName string, _ int, handler contracts.DeliveryHandler) error {
	t.mu.Lock()
	t.declareQueue(queueName)
	q := t.queues[queueName]
	if q.stop != nil {
		t.mu.Unlock()
		return fmt.Errorf("memory: queue %s already has a consumer", queueName)
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	t.mu.Unlock()

	go func() {
		defer close(q.done)
		for {
			select {
			case <-q.stop:
				return
			case d := <-q.ch:
				t.dispatch(ctx, queueName, q, d, handler)
			}
		}
	}()
	return nil
}

func (t *Transport) dispatch(ctx context.Context, queueName string, q *queue, d delivery, handler contracts.DeliveryHandler) {
	dv := contracts.NewDelivery(d.env, queueName, d.replyTo, d.correlationID, d.redelivered,
		func() error { return nil },
		func(requeue bool) error {
			if requeue {
				redo := d
				redo.redelivered = true
				select {
				case q.ch <- redo:
				default:
				}
			}
			return nil
		})
	if err := handler(ctx, dv); err != nil {
		t.logger.WithError(err).Error("handler failed", "queue", queueName)
	}
}

func (t *Transport) Unsubscribe(queueName string) error {
	t.mu.Lock()
	q, ok := t.queues[queueName]
	t.mu.Unlock()
	if !ok || q.stop == nil {
		return nil
	}
	q.stopConsumer()
	t.mu.Lock()
	q.stop = nil
	q.done = nil
	t.mu.Unlock()
	return nil
}

func (q *queue) stopConsumer() {
	if q.stop == nil {
		return
	}
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	<-q.done
}

// Redeliver re-enqueues the envelope after the delay, flagged as redelivered.
func (t *Transport) Redeliver(_ context.Context, queueName string, env *envelope.Envelope, delay time.Duration) error {
	t.mu.Lock()
	t.declareQueue(queueName)
	q := t.queues[queueName]
	timer := time.AfterFunc(delay, func() {
		q.ch <- delivery{env: env, redelivered: true}
	})
	t.timers = append(t.timers, timer)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Purge(_ context.Context, queueName string) error {
	t.mu.Lock()
	q, ok := t.queues[queueName]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	for {
		select {
		case <-q.ch:
		default:
			return nil
		}
	}
}

func (t *Transport) QueueLength(_ context.Context, queueName string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("memory: unknown queue %s", queueName)
	}
	return int64(len(q.ch)), nil
}
