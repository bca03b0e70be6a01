package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.Brokers) == 0 {
		t.Error("default brokers empty")
	}
	if cfg.RequiredAcks != sarama.WaitForAll {
		t.Errorf("requiredAcks = %d", cfg.RequiredAcks)
	}
	if cfg.SessionTimeout != 10*time.Second {
		t.Errorf("sessionTimeout = %s", cfg.SessionTimeout)
	}
}

func TestNewDriverDefaults(t *testing.T) {
	d := NewDriver(nil, nil)
	if d.Name() != "kafka" {
		t.Errorf("name = %s", d.Name())
	}
	if d.IsConnected() {
		t.Error("new driver reports connected")
	}
	if d.SupportsDelayedDelivery() {
		t.Error("kafka cannot delay deliveries")
	}
	if d.replyTopic == "" {
		t.Error("reply topic not assigned")
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	d := NewDriver(&Config{
		Brokers:           []string{"localhost:9092"},
		ClientID:          "orders",
		Version:           "3.6.0",
		RequiredAcks:      sarama.WaitForLocal,
		OffsetInitial:     sarama.OffsetOldest,
		SessionTimeout:    20 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}, nil)

	cfg, err := d.buildSaramaConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientID != "orders" {
		t.Errorf("clientID = %s", cfg.ClientID)
	}
	if cfg.Producer.RequiredAcks != sarama.WaitForLocal {
		t.Errorf("requiredAcks = %d", cfg.Producer.RequiredAcks)
	}
	if !cfg.Producer.Return.Successes {
		t.Error("sync producer needs Return.Successes")
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Errorf("offsetInitial = %d", cfg.Consumer.Offsets.Initial)
	}
	if cfg.Consumer.Group.Session.Timeout != 20*time.Second {
		t.Errorf("sessionTimeout = %s", cfg.Consumer.Group.Session.Timeout)
	}
}

func TestBuildSaramaConfigBadVersionFallsBack(t *testing.T) {
	d := NewDriver(&Config{Version: "not-a-version"}, nil)
	cfg, err := d.buildSaramaConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != sarama.V2_8_0_0 {
		t.Errorf("version = %s, want fallback 2.8.0", cfg.Version)
	}
}

// A queue's consumer group must cover the type topics it is bound to, or
// nothing published through the normal fanout path ever reaches it.
func TestTopologyBindsTopicsToGroups(t *testing.T) {
	d := NewDriver(nil, nil)
	top := &contracts.Topology{
		Bindings: []contracts.Binding{
			{Exchange: "orders:OrderSubmitted", Queue: "orders:billing"},
			{Exchange: "orders:OrderCancelled", Queue: "orders:billing"},
		},
	}
	if err := d.DeclareTopology(context.Background(), top); err != nil {
		t.Fatal(err)
	}

	topics := d.topicsFor("orders:billing")
	want := []string{"orders:billing", "orders:OrderSubmitted", "orders:OrderCancelled"}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("topics[%d] = %s, want %s", i, topics[i], want[i])
		}
	}

	// An unbound queue still consumes its own topic for direct sends.
	if topics := d.topicsFor("orders:audit"); len(topics) != 1 || topics[0] != "orders:audit" {
		t.Errorf("unbound queue topics = %v", topics)
	}
}

func TestRedeliverUnsupported(t *testing.T) {
	d := NewDriver(nil, nil)
	env, _ := envelope.New(envelope.TypePublish, "orders", "OrderPlaced", nil)
	if err := d.Redeliver(context.Background(), "q", env, time.Second); err == nil {
		t.Error("Redeliver should fail on kafka")
	}
}

func TestDisconnectedOperationsFail(t *testing.T) {
	d := NewDriver(nil, nil)
	ctx := context.Background()
	env, _ := envelope.New(envelope.TypePublish, "orders", "OrderPlaced", nil)

	if err := d.Publish(ctx, "orders:OrderPlaced", env); err == nil {
		t.Error("Publish succeeded while disconnected")
	}
	if err := d.SendToQueue(ctx, "q", env); err == nil {
		t.Error("SendToQueue succeeded while disconnected")
	}
	if _, err := d.QueueLength(ctx, "q"); err == nil {
		t.Error("QueueLength succeeded while disconnected")
	}
}
