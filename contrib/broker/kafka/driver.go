// Package kafka provides a Kafka subset of the caravan Transport, built on
// IBM/sarama.
//
// Usage:
//
//	driver := kafka.NewDriver(&kafka.Config{
//	    Brokers: []string{"localhost:9092"},
//	    GroupID: "order-service",
//	}, logger)
//	bus := app.New("orders", driver)
//
// Exchanges map to topics and queues map to consumer groups, so fanout
// semantics hold: every subscribed group receives each message. The broker
// cannot delay deliveries, so SupportsDelayedDelivery reports false and
// endpoints configured for redelivery deadletter directly. Request/reply runs
// over a per-process reply topic keyed by correlation id.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
	"github.com/google/uuid"
)

const (
	headerEncoding      = "content_encoding"
	headerReplyTo       = "reply_to"
	headerCorrelationID = "correlation_id"
)

// Config for the Kafka driver.
type Config struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Version  string // Kafka version, e.g. "2.8.0"

	// Producer settings.
	RequiredAcks sarama.RequiredAcks
	Compression  sarama.CompressionCodec

	// Consumer settings.
	OffsetInitial     int64
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration

	// Codec controls envelope serialization and compression.
	Codec envelope.Codec
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "caravan",
		ClientID:          "caravan-client",
		Version:           "2.8.0",
		RequiredAcks:      sarama.WaitForAll,
		Compression:       sarama.CompressionSnappy,
		OffsetInitial:     sarama.OffsetNewest,
		SessionTimeout:    10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	}
}

type groupConsumer struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// Driver implements the publish/subscribe subset of contracts.Transport on
// Kafka.
type Driver struct {
	config *Config
	logger contracts.Logger

	mu        sync.Mutex
	client    sarama.Client
	producer  sarama.SyncProducer
	consumers map[string]*groupConsumer
	bindings  map[string][]string // queue -> bound type topics

	replyTopic string
	pending    map[string]chan *envelope.Envelope
	connected  bool
}

// NewDriver creates a disconnected Kafka transport.
func NewDriver(cfg *Config, logger contracts.Logger) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = contracts.NopLogger()
	}
	return &Driver{
		config:     cfg,
		logger:     logger.Named("kafka"),
		consumers:  make(map[string]*groupConsumer),
		bindings:   make(map[string][]string),
		pending:    make(map[string]chan *envelope.Envelope),
		replyTopic: "caravan.reply." + uuid.NewString(),
	}
}

func (d *Driver) Name() string { return "kafka" }

// SupportsDelayedDelivery is false: Kafka has no broker-side delay, so the
// pipeline deadletters after level-1 retries.
func (d *Driver) SupportsDelayedDelivery() bool { return false }

func (d *Driver) buildSaramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(d.config.Version)
	if err != nil {
		version = sarama.V2_8_0_0
	}
	cfg.Version = version
	cfg.ClientID = d.config.ClientID

	cfg.Producer.RequiredAcks = d.config.RequiredAcks
	cfg.Producer.Compression = d.config.Compression
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Consumer.Offsets.Initial = d.config.OffsetInitial
	cfg.Consumer.Group.Session.Timeout = d.config.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = d.config.HeartbeatInterval
	return cfg, nil
}

// Connect creates the client, the shared producer and the reply consumer.
func (d *Driver) Connect(ctx context.Context) error {
	cfg, err := d.buildSaramaConfig()
	if err != nil {
		return err
	}
	client, err := sarama.NewClient(d.config.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("kafka: connect: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("kafka: create producer: %w", err)
	}

	d.mu.Lock()
	d.client = client
	d.producer = producer
	d.connected = true
	d.mu.Unlock()

	// The reply consumer feeds pending Request calls.
	return d.consumeGroup(ctx, d.replyTopic, []string{d.replyTopic}, func(ctx context.Context, dv *contracts.Delivery) error {
		d.mu.Lock()
		ch, ok := d.pending[dv.CorrelationID]
		d.mu.Unlock()
		if ok {
			select {
			case ch <- dv.Envelope:
			default:
			}
		}
		return dv.Ack()
	})
}

func (d *Driver) Close(context.Context) error {
	d.mu.Lock()
	consumers := d.consumers
	d.consumers = make(map[string]*groupConsumer)
	producer := d.producer
	client := d.client
	d.producer = nil
	d.client = nil
	d.connected = false
	d.mu.Unlock()

	for _, c := range consumers {
		c.cancel()
		<-c.done
		_ = c.group.Close()
	}
	if producer != nil {
		_ = producer.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// DeclareTopology records which type topics each queue is bound to; Subscribe
// reads them back. Topics auto-create on first use, so nothing is sent to the
// broker here.
func (d *Driver) DeclareTopology(_ context.Context, top *contracts.Topology) error {
	bindings := make(map[string][]string)
	for _, b := range top.Bindings {
		bindings[b.Queue] = append(bindings[b.Queue], b.Exchange)
	}
	d.mu.Lock()
	d.bindings = bindings
	d.mu.Unlock()
	return nil
}

// topicsFor resolves the topics a queue's group consumes: the queue's own
// topic for direct sends plus every bound type topic.
func (d *Driver) topicsFor(queue string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{queue}, d.bindings[queue]...)
}

func (d *Driver) send(topic string, env *envelope.Envelope, headers []sarama.RecordHeader) error {
	d.mu.Lock()
	producer := d.producer
	d.mu.Unlock()
	if producer == nil {
		return fmt.Errorf("kafka: not connected")
	}

	body, encoding, err := d.config.Codec.Marshal(env)
	if err != nil {
		return err
	}
	if encoding != envelope.EncodingIdentity {
		headers = append(headers, sarama.RecordHeader{
			Key: []byte(headerEncoding), Value: []byte(encoding),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		// Key by message id keeps per-message ordering stable within a
		// partition without hot-spotting one partition.
		Key:       sarama.StringEncoder(env.MessageID),
		Value:     sarama.ByteEncoder(body),
		Headers:   headers,
		Timestamp: env.SentTime,
	}
	if _, _, err := producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", topic, err)
	}
	return nil
}

func (d *Driver) Publish(_ context.Context, exchange string, env *envelope.Envelope) error {
	return d.send(exchange, env, nil)
}

func (d *Driver) SendToQueue(_ context.Context, queue string, env *envelope.Envelope) error {
	return d.send(queue, env, nil)
}

// Request publishes with the reply topic attached and blocks for the
// correlated reply.
func (d *Driver) Request(ctx context.Context, exchange string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	correlationID := uuid.NewString()
	replyCh := make(chan *envelope.Envelope, 1)

	d.mu.Lock()
	d.pending[correlationID] = replyCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, correlationID)
		d.mu.Unlock()
	}()

	headers := []sarama.RecordHeader{
		{Key: []byte(headerReplyTo), Value: []byte(d.replyTopic)},
		{Key: []byte(headerCorrelationID), Value: []byte(correlationID)},
	}
	if err := d.send(exchange, env, headers); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("kafka: request %s timed out after %s", env.TypeName(), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Driver) Reply(_ context.Context, replyTo, correlationID string, env *envelope.Envelope) error {
	return d.send(replyTo, env, []sarama.RecordHeader{
		{Key: []byte(headerCorrelationID), Value: []byte(correlationID)},
	})
}

// Subscribe joins a consumer group named after the queue, so each queue gets
// every message of its bound topics exactly once per group.
func (d *Driver) Subscribe(ctx context.Context, queue string, _ int, handler contracts.DeliveryHandler) error {
	return d.consumeGroup(ctx, queue, d.topicsFor(queue), handler)
}

func (d *Driver) consumeGroup(ctx context.Context, name string, topics []string, handler contracts.DeliveryHandler) error {
	cfg, err := d.buildSaramaConfig()
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, dup := d.consumers[name]; dup {
		d.mu.Unlock()
		return fmt.Errorf("kafka: queue %s already has a consumer", name)
	}
	d.mu.Unlock()

	group, err := sarama.NewConsumerGroup(d.config.Brokers, name, cfg)
	if err != nil {
		return fmt.Errorf("kafka: join group %s: %w", name, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	gc := &groupConsumer{group: group, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.consumers[name] = gc
	d.mu.Unlock()

	h := &groupHandler{driver: d, queue: name, handler: handler, ready: make(chan struct{})}
	go func() {
		defer close(gc.done)
		for {
			if err := group.Consume(consumeCtx, topics, h); err != nil {
				d.logger.WithError(err).Warn("consume session ended", "queue", name)
			}
			if consumeCtx.Err() != nil {
				return
			}
			h.reset()
		}
	}()

	select {
	case <-h.ready:
	case <-time.After(d.config.SessionTimeout):
	}
	return nil
}

func (d *Driver) Unsubscribe(queue string) error {
	d.mu.Lock()
	gc, ok := d.consumers[queue]
	delete(d.consumers, queue)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	gc.cancel()
	<-gc.done
	return gc.group.Close()
}

// Redeliver is unsupported; callers must check SupportsDelayedDelivery.
func (d *Driver) Redeliver(context.Context, string, *envelope.Envelope, time.Duration) error {
	return fmt.Errorf("kafka: delayed redelivery not supported")
}

// Purge is a no-op: consumer groups track offsets, old records age out by
// retention.
func (d *Driver) Purge(context.Context, string) error { return nil }

// QueueLength reports the consumer lag summed over the topic's partitions.
func (d *Driver) QueueLength(_ context.Context, queue string) (int64, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("kafka: not connected")
	}

	partitions, err := client.Partitions(queue)
	if err != nil {
		return 0, fmt.Errorf("kafka: partitions of %s: %w", queue, err)
	}
	manager, err := sarama.NewOffsetManagerFromClient(queue, client)
	if err != nil {
		return 0, fmt.Errorf("kafka: offset manager: %w", err)
	}
	defer manager.Close()

	var lag int64
	for _, p := range partitions {
		newest, err := client.GetOffset(queue, p, sarama.OffsetNewest)
		if err != nil {
			return 0, err
		}
		pm, err := manager.ManagePartition(queue, p)
		if err != nil {
			return 0, err
		}
		committed, _ := pm.NextOffset()
		pm.AsyncClose()
		if committed < 0 {
			committed = 0
		}
		lag += newest - committed
	}
	return lag, nil
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	driver  *Driver
	queue   string
	handler contracts.DeliveryHandler

	mu    sync.Mutex
	ready chan struct{}
}

func (h *groupHandler) reset() {
	h.mu.Lock()
	h.ready = make(chan struct{})
	h.mu.Unlock()
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	select {
	case <-h.ready:
	default:
		close(h.ready)
	}
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var encoding, replyTo, correlationID string
		for _, hd := range message.Headers {
			switch string(hd.Key) {
			case headerEncoding:
				encoding = string(hd.Value)
			case headerReplyTo:
				replyTo = string(hd.Value)
			case headerCorrelationID:
				correlationID = string(hd.Value)
			}
		}

		env, err := h.driver.config.Codec.Unmarshal(message.Value, encoding)
		if err != nil {
			h.driver.logger.WithError(err).Error("undecodable record skipped",
				"queue", h.queue, "offset", message.Offset)
			session.MarkMessage(message, "")
			continue
		}

		dv := contracts.NewDelivery(env, h.queue, replyTo, correlationID, false,
			func() error { session.MarkMessage(message, ""); return nil },
			func(requeue bool) error {
				// No native nack; marking keeps the group moving.
				session.MarkMessage(message, "")
				return nil
			})
		if err := h.handler(session.Context(), dv); err != nil {
			h.driver.logger.WithError(err).Error("handler failed", "queue", h.queue)
		}
	}
	return nil
}

var _ contracts.Transport = (*Driver)(nil)
