// Package routingslip implements linear itineraries of compensable
// activities: forward execution with variable accumulation, LIFO compensation
// on fault, lifecycle event subscribers, and a queue-dispatched execution
// mode for scaling individual steps.
package routingslip

import (
	"time"

	"github.com/google/uuid"
)

// ItineraryItem is one planned step of a slip.
type ItineraryItem struct {
	Name    string         `json:"name"`
	Address string         `json:"address,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// ActivityLog records a completed activity with what is needed to undo it.
type ActivityLog struct {
	Name            string         `json:"name"`
	Timestamp       time.Time      `json:"timestamp"`
	Duration        time.Duration  `json:"duration"`
	CompensationLog map[string]any `json:"compensationLog,omitempty"`
}

// CompensateLog records one executed compensation.
type CompensateLog struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Succeeded bool      `json:"succeeded"`
	Error     string    `json:"error,omitempty"`
}

// ActivityException records a faulted activity.
type ActivityException struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
}

// RoutingSlip is an itinerary plus the logs accumulated while executing it.
// The itinerary is immutable during forward execution except through an
// explicit revision; variables and logs only ever grow.
type RoutingSlip struct {
	TrackingNumber  string              `json:"trackingNumber"`
	CreateTimestamp time.Time           `json:"createTimestamp"`
	Itinerary       []ItineraryItem     `json:"itinerary"`
	Variables       map[string]any      `json:"variables"`
	ActivityLogs    []ActivityLog       `json:"activityLogs"`
	CompensateLogs  []CompensateLog     `json:"compensateLogs"`
	Exceptions      []ActivityException `json:"activityExceptions"`
}

// Builder assembles a routing slip.
type Builder struct {
	itinerary []ItineraryItem
	variables map[string]any
}

// NewBuilder starts an empty slip.
func NewBuilder() *Builder {
	return &Builder{variables: make(map[string]any)}
}

// AddActivity appends a step to the itinerary.
func (b *Builder) AddActivity(name, address string, args map[string]any) *Builder {
	b.itinerary = append(b.itinerary, ItineraryItem{Name: name, Address: address, Args: args})
	return b
}

// AddVariable seeds a variable available to every activity.
func (b *Builder) AddVariable(key string, value any) *Builder {
	b.variables[key] = value
	return b
}

// Build produces the slip with a time-ordered tracking number.
func (b *Builder) Build() *RoutingSlip {
	vars := make(map[string]any, len(b.variables))
	for k, v := range b.variables {
		vars[k] = v
	}
	return &RoutingSlip{
		TrackingNumber:  uuid.Must(uuid.NewV7()).String(),
		CreateTimestamp: time.Now().UTC(),
		Itinerary:       append([]ItineraryItem(nil), b.itinerary...),
		Variables:       vars,
	}
}

// snapshotVariables copies the slip's variables for an activity context, so
// mutations only propagate through CompletedWithVariables.
func (rs *RoutingSlip) snapshotVariables() map[string]any {
	vars := make(map[string]any, len(rs.Variables))
	for k, v := range rs.Variables {
		vars[k] = v
	}
	return vars
}

// mergeVariables applies an activity's returned variables, last writer wins.
func (rs *RoutingSlip) mergeVariables(vars map[string]any) {
	if rs.Variables == nil {
		rs.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		rs.Variables[k] = v
	}
}
