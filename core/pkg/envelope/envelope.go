// Package envelope defines the wire frame wrapping every message carried by a
// caravan transport, and the codec used to put it on the wire.
//
// Every payload travels inside an Envelope serialized as UTF-8 JSON. The
// logical message type is encoded as "message:<cluster>:<TypeName>"; the last
// segment is what consumers dispatch on. When a publish originates inside a
// saga step, the full saga state rides along in Headers.Saga so downstream
// handlers can skip a repository read.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Publish kinds carried in the Type field.
const (
	TypePublish      = "publish"      // fire-and-forget, fanout
	TypePublishAsync = "publishAsync" // point-to-point with reply
)

// Headers carries transport metadata alongside the payload.
type Headers struct {
	// Saga is the full saga instance state when the publish originated
	// inside a saga step; nil otherwise.
	Saga json.RawMessage `json:"saga,omitempty"`

	// Redelivery counts broker-mediated delayed redeliveries of this
	// envelope. It strictly increases on each redelivery.
	Redelivery int `json:"x-redelivery,omitempty"`

	// Delay is the delay in milliseconds requested for the most recent
	// redelivery, for diagnostics.
	Delay int64 `json:"x-delay,omitempty"`
}

// Envelope is the frame wrapping every message on the wire.
type Envelope struct {
	MessageID          string          `json:"messageId"`
	Type               string          `json:"type"`
	SourceAddress      string          `json:"sourceAddress,omitempty"`
	DestinationAddress string          `json:"destinationAddress,omitempty"`
	MessageType        string          `json:"messageType"`
	Message            json.RawMessage `json:"message"`
	SentTime           time.Time       `json:"sentTime"`
	ExpirationTime     *time.Time      `json:"expirationTime,omitempty"`
	Headers            Headers         `json:"headers"`
}

// New wraps payload in an envelope of the given kind. The message id is a
// UUIDv7 so ids sort by publish time.
func New(kind, cluster, typeName string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload %s: %w", typeName, err)
	}
	return &Envelope{
		MessageID:   uuid.Must(uuid.NewV7()).String(),
		Type:        kind,
		MessageType: FormatMessageType(cluster, typeName),
		Message:     body,
		SentTime:    time.Now().UTC(),
	}, nil
}

// TypeName returns the last segment of MessageType, the logical type name
// used for dispatch.
func (e *Envelope) TypeName() string {
	if i := strings.LastIndexByte(e.MessageType, ':'); i >= 0 {
		return e.MessageType[i+1:]
	}
	return e.MessageType
}

// DecodeMessage unmarshals the payload into dest.
func (e *Envelope) DecodeMessage(dest any) error {
	if err := json.Unmarshal(e.Message, dest); err != nil {
		return fmt.Errorf("envelope: decode %s payload: %w", e.TypeName(), err)
	}
	return nil
}

// WithSaga returns a shallow copy carrying the serialized saga state.
func (e *Envelope) WithSaga(state json.RawMessage) *Envelope {
	clone := *e
	clone.Headers.Saga = state
	return &clone
}

// FormatMessageType builds the colon-delimited message type string.
func FormatMessageType(cluster, typeName string) string {
	return "message:" + cluster + ":" + typeName
}
