package envelope

import (
	"testing"
	"time"
)

type orderSubmitted struct {
	OrderID string    `json:"orderId"`
	Total   int       `json:"total"`
	Email   string    `json:"email"`
	Placed  time.Time `json:"placed"`
	Lines   []line    `json:"lines"`
}

type line struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

func TestNew(t *testing.T) {
	payload := &orderSubmitted{OrderID: "A", Total: 10000, Email: "a@b.c"}

	env, err := New(TypePublish, "prod", "OrderSubmitted", payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.MessageID == "" {
		t.Error("message id should be set")
	}
	if env.MessageType != "message:prod:OrderSubmitted" {
		t.Errorf("unexpected message type %q", env.MessageType)
	}
	if env.TypeName() != "OrderSubmitted" {
		t.Errorf("unexpected type name %q", env.TypeName())
	}
	if env.SentTime.IsZero() {
		t.Error("sent time should be set")
	}
}

func TestMessageIDOrdering(t *testing.T) {
	a, _ := New(TypePublish, "c", "T", struct{}{})
	time.Sleep(2 * time.Millisecond)
	b, _ := New(TypePublish, "c", "T", struct{}{})

	if !(a.MessageID < b.MessageID) {
		t.Errorf("ids should be time ordered: %s >= %s", a.MessageID, b.MessageID)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	payload := &orderSubmitted{
		OrderID: "A-42",
		Total:   10000,
		Email:   "buyer@example.com",
		Placed:  time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Lines:   []line{{SKU: "sku-1", Qty: 2}, {SKU: "sku-2", Qty: 1}},
	}

	for _, tc := range []struct {
		name  string
		codec Codec
	}{
		{"identity", Codec{}},
		{"brotli", Codec{Compression: EncodingBrotli}},
		{"brotli below threshold", Codec{Compression: EncodingBrotli, MinCompressSize: 1 << 20}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env, err := New(TypePublish, "prod", "OrderSubmitted", payload)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			body, encoding, err := tc.codec.Marshal(env)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := tc.codec.Unmarshal(body, encoding)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}

			if got.MessageID != env.MessageID {
				t.Errorf("message id changed: %s != %s", got.MessageID, env.MessageID)
			}
			if got.MessageType != env.MessageType {
				t.Errorf("message type changed: %s != %s", got.MessageType, env.MessageType)
			}
			if !got.SentTime.Equal(env.SentTime) {
				t.Errorf("sent time changed: %v != %v", got.SentTime, env.SentTime)
			}

			var decoded orderSubmitted
			if err := got.DecodeMessage(&decoded); err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if decoded.OrderID != payload.OrderID || decoded.Total != payload.Total {
				t.Errorf("payload changed: %+v", decoded)
			}
			if !decoded.Placed.Equal(payload.Placed) {
				t.Errorf("nested time changed: %v", decoded.Placed)
			}
			if len(decoded.Lines) != 2 || decoded.Lines[1].SKU != "sku-2" {
				t.Errorf("nested objects changed: %+v", decoded.Lines)
			}
		})
	}
}

func TestUnmarshalUnknownEncoding(t *testing.T) {
	var c Codec
	if _, err := c.Unmarshal([]byte("{}"), "gzip"); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestWithSaga(t *testing.T) {
	env, _ := New(TypePublish, "c", "T", struct{}{})
	state := []byte(`{"correlationId":"A","version":2}`)

	carrying := env.WithSaga(state)
	if carrying.Headers.Saga == nil {
		t.Fatal("saga state should be attached")
	}
	if env.Headers.Saga != nil {
		t.Error("original envelope must not be mutated")
	}
}
