// Package saga implements the correlated state-machine runtime: event
// correlation, transition guards, optimistic persistence, transactional
// dispatch of follow-up messages, and LIFO compensation of completed steps.
package saga

import (
	"encoding/json"
	"time"
)

// Reserved states. Every other state is declared by the machine definition.
const (
	// StateInitially is the state of a freshly created instance, before
	// its first save.
	StateInitially = "INITIALLY"

	// StateFinalize is the terminal state. A finalized instance is
	// deleted or archived, never transitioned again.
	StateFinalize = "FINALIZE"
)

// CompensationActivity records a completed step that declared a compensation,
// with everything needed to undo it later.
type CompensationActivity struct {
	EventName        string          `json:"eventName"`
	StateName        string          `json:"stateName"`
	CompensationData json.RawMessage `json:"compensationData"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Embed is the base record every saga state struct embeds. It carries the
// required fields of an instance; user fields live on the embedding struct
// and are persisted with it.
//
//	type OrderState struct {
//	    saga.Embed
//	    OrderID string `json:"orderId"`
//	    Total   int    `json:"total"`
//	}
type Embed struct {
	// CorrelationID is the primary key. Immutable after first save.
	CorrelationID string `json:"correlationId"`

	// CurrentState is INITIALLY, FINALIZE, or a declared state.
	CurrentState string `json:"currentState"`

	// Version increments by one on every successful save.
	Version int `json:"version"`

	// CompensationActivities accumulates undo records for completed steps
	// that declared a compensation. Cleared once compensation runs.
	CompensationActivities []CompensationActivity `json:"compensationActivities,omitempty"`

	compensating bool
}

// Saga exposes the embedded record; embedding Embed satisfies Instance.
func (e *Embed) Saga() *Embed { return e }

// Instance is any user state struct embedding saga.Embed.
type Instance interface {
	Saga() *Embed
}

// Factory produces a zero instance of a machine's state struct, used when a
// first event arrives and when stores decode persisted state.
type Factory func() Instance
