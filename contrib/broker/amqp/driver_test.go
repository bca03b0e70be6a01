package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.URL == "" {
		t.Error("default URL empty")
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnectDelay = %s", cfg.ReconnectDelay)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("requestTimeout = %s", cfg.RequestTimeout)
	}
}

func TestNewDriverDefaults(t *testing.T) {
	d := NewDriver(&Config{URL: "amqp://localhost"}, nil)
	if d.config.ReconnectDelay <= 0 || d.config.RequestTimeout <= 0 {
		t.Error("zero config values not defaulted")
	}
	if d.Name() != "amqp" {
		t.Errorf("name = %s", d.Name())
	}
	if d.IsConnected() {
		t.Error("new driver reports connected")
	}
	if d.SupportsDelayedDelivery() {
		t.Error("delayed delivery claimed before probe")
	}
}

func TestPublishingCarriesEnvelope(t *testing.T) {
	d := NewDriver(nil, nil)

	env, err := envelope.New(envelope.TypePublish, "orders", "OrderPlaced", map[string]any{"id": "o-1"})
	if err != nil {
		t.Fatal(err)
	}
	pub, err := d.publishing(env)
	if err != nil {
		t.Fatal(err)
	}
	if pub.ContentType != "application/json" {
		t.Errorf("contentType = %s", pub.ContentType)
	}
	if pub.MessageId != env.MessageID || pub.Type != env.MessageType {
		t.Error("message properties not propagated")
	}

	decoded, err := d.config.Codec.Unmarshal(pub.Body, pub.ContentEncoding)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.MessageID != env.MessageID {
		t.Error("body round trip lost the envelope")
	}
}

func TestPublishingCompressed(t *testing.T) {
	d := NewDriver(&Config{
		URL:   "amqp://localhost",
		Codec: envelope.Codec{Compression: envelope.EncodingBrotli},
	}, nil)

	env, err := envelope.New(envelope.TypePublish, "orders", "OrderPlaced", map[string]any{"id": "o-1"})
	if err != nil {
		t.Fatal(err)
	}
	pub, err := d.publishing(env)
	if err != nil {
		t.Fatal(err)
	}
	if pub.ContentEncoding != envelope.EncodingBrotli {
		t.Errorf("contentEncoding = %q, want br", pub.ContentEncoding)
	}
	decoded, err := d.config.Codec.Unmarshal(pub.Body, pub.ContentEncoding)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TypeName() != "OrderPlaced" {
		t.Errorf("typeName = %s", decoded.TypeName())
	}
}

// Requests to a queue must go through the default exchange up front: a
// publish to a nonexistent exchange only fails asynchronously, so a fallback
// after the first publish never fires and the request waits out its timeout.
func TestRequestTargetResolution(t *testing.T) {
	d := NewDriver(nil, nil)

	top := &contracts.Topology{
		Exchanges: []contracts.Exchange{{Name: "orders:OrderPlaced", Kind: contracts.ExchangeFanout}},
	}
	// Disconnected declare errors but still remembers the topology, same as
	// the reconnect path relies on.
	if err := d.DeclareTopology(context.Background(), top); err == nil {
		t.Fatal("DeclareTopology succeeded while disconnected")
	}

	ex, key := d.requestTarget("orders:OrderPlaced")
	if ex != "orders:OrderPlaced" || key != "" {
		t.Errorf("declared exchange resolved to (%q, %q)", ex, key)
	}

	ex, key = d.requestTarget("orders:orders_ship-order_execute")
	if ex != "" || key != "orders:orders_ship-order_execute" {
		t.Errorf("queue destination resolved to (%q, %q)", ex, key)
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
	if _, err := d.Request(ctx, "orders:OrderPlaced", env, time.Second); err == nil {
		t.Error("Request succeeded while disconnected")
	}
	if _, err := d.QueueLength(ctx, "q"); err == nil {
		t.Error("QueueLength succeeded while disconnected")
	}
}
