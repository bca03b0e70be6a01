package routingslip

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Activity is one unit of work in a routing slip.
type Activity interface {
	Execute(ctx context.Context, ec *ExecuteContext) (*ExecutionResult, error)
}

// CompensableActivity additionally knows how to undo a completed execution.
type CompensableActivity interface {
	Activity
	Compensate(ctx context.Context, cc *CompensateContext) error
}

// Result kinds an activity can produce.
type ResultKind int

const (
	ResultComplete ResultKind = iota
	ResultFault
	ResultTerminate
)

func (k ResultKind) String() string {
	switch k {
	case ResultComplete:
		return "Complete"
	case ResultFault:
		return "Fault"
	case ResultTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// ItineraryBuilder revises the remaining itinerary of a running slip. It
// receives the steps not yet executed and returns their replacement.
type ItineraryBuilder func(remaining []ItineraryItem) []ItineraryItem

// ExecutionResult is what an activity's Execute returns, built through the
// ExecuteContext result builders.
type ExecutionResult struct {
	Kind            ResultKind
	Variables       map[string]any
	CompensationLog map[string]any
	Revision        ItineraryBuilder
	Err             error
}

// ExecuteContext exposes the slip to an activity: its arguments, a snapshot
// of the variables, and the result builders.
type ExecuteContext struct {
	TrackingNumber string
	ActivityName   string
	Args           map[string]any
	Variables      map[string]any
}

// Completed reports success with no compensation data.
func (ec *ExecuteContext) Completed() *ExecutionResult {
	return &ExecutionResult{Kind: ResultComplete}
}

// CompletedWithLog reports success and stores the data Compensate will need.
func (ec *ExecuteContext) CompletedWithLog(log map[string]any) *ExecutionResult {
	return &ExecutionResult{Kind: ResultComplete, CompensationLog: log}
}

// CompletedWithVariables reports success and merges vars into the slip.
func (ec *ExecuteContext) CompletedWithVariables(vars map[string]any, log map[string]any) *ExecutionResult {
	return &ExecutionResult{Kind: ResultComplete, Variables: vars, CompensationLog: log}
}

// ReviseItinerary reports success and rewrites the steps not yet executed.
func (ec *ExecuteContext) ReviseItinerary(build ItineraryBuilder) *ExecutionResult {
	return &ExecutionResult{Kind: ResultComplete, Revision: build}
}

// Faulted reports failure; the executor compensates completed steps.
func (ec *ExecuteContext) Faulted(err error) *ExecutionResult {
	return &ExecutionResult{Kind: ResultFault, Err: err}
}

// Terminated stops forward execution without compensating.
func (ec *ExecuteContext) Terminated() *ExecutionResult {
	return &ExecutionResult{Kind: ResultTerminate}
}

// CompensateContext exposes the activity's compensation log and the variables
// as they stand when compensation runs.
type CompensateContext struct {
	TrackingNumber  string
	ActivityName    string
	CompensationLog map[string]any
	Variables       map[string]any
}

// Registry maps activity names to implementations. Registration is explicit
// at startup; the executors consult it as the activity factory.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

// NewRegistry creates an empty activity registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Activity)}
}

// Add registers an activity under a name.
func (r *Registry) Add(name string, a Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.activities[name]; dup {
		return fmt.Errorf("routingslip: activity %s already registered", name)
	}
	r.activities[name] = a
	return nil
}

// Get resolves an activity by name.
func (r *Registry) Get(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("routingslip: unknown activity %s", name)
	}
	return a, nil
}

// Names lists registered activities in stable order, for queue provisioning.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for n := range r.activities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
