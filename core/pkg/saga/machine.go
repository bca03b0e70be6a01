package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/envelope"
)

// Context is handed to every Then, PublishAsync build and Compensate
// callback of a machine definition.
type Context struct {
	// Saga is the instance the event correlated to.
	Saga Instance

	// Message is the decoded, validated event payload.
	Message any

	// Envelope is the frame the event arrived in.
	Envelope *envelope.Envelope

	// IsNew reports whether this event created the instance.
	IsNew bool
}

// Event declares an incoming message type and its correlation selector.
type Event struct {
	name       string
	newMessage func() any
	correlate  func(msg any) string
}

// NewEvent declares a typed event. The selector extracts the correlation id
// from a decoded payload.
func NewEvent[T any](name string, correlate func(*T) string) *Event {
	return &Event{
		name:       name,
		newMessage: func() any { return new(T) },
		correlate:  func(msg any) string { return correlate(msg.(*T)) },
	}
}

// Name returns the logical message type name the event dispatches on.
func (e *Event) Name() string { return e.name }

// NewMessage returns a fresh payload to decode the event into.
func (e *Event) NewMessage() any { return e.newMessage() }

// Binder is one step of the activity graph: what happens when an event
// arrives in an accepting state. Build it with When and the chain methods,
// then attach it with Initially or During.
type Binder struct {
	event string

	then        func(ctx context.Context, sc *Context) error
	publishType string
	publish     func(ctx context.Context, sc *Context) (any, error)
	compensate  func(ctx context.Context, sc *Context) error
	transition  string
	finalize    bool

	// predecessor states in which the event is accepted
	initial bool
	states  map[string]struct{}
}

// When starts a binder for the named event.
func When(event string) *Binder {
	return &Binder{event: event, states: make(map[string]struct{})}
}

// Then registers a pure state mutation, run before the transition.
func (b *Binder) Then(fn func(ctx context.Context, sc *Context) error) *Binder {
	b.then = fn
	return b
}

// PublishAsync registers an outbound message built from the context and sent
// after the instance is persisted. The saved state rides in the outbound
// envelope's saga header.
func (b *Binder) PublishAsync(typeName string, build func(ctx context.Context, sc *Context) (any, error)) *Binder {
	b.publishType = typeName
	b.publish = build
	return b
}

// Compensate registers the undo callback for this step. Completing the step
// appends an entry to the instance's compensation log; the callback runs,
// newest first, when the machine enters a compensating state.
func (b *Binder) Compensate(fn func(ctx context.Context, sc *Context) error) *Binder {
	b.compensate = fn
	return b
}

// TransitionTo sets the state assigned after Then runs.
func (b *Binder) TransitionTo(state string) *Binder {
	b.transition = state
	return b
}

// Finalize marks the step terminal: after the outbound publish the instance
// moves to FINALIZE and is deleted or archived per the machine options.
func (b *Binder) Finalize() *Binder {
	b.finalize = true
	return b
}

// Options is the per-saga configuration surface.
type Options struct {
	// AutoArchive moves finalized instances to the archive store instead
	// of deleting them.
	AutoArchive bool

	// ArchiveTTL bounds how long archived instances are kept, where the
	// store supports expiry.
	ArchiveTTL time.Duration

	// CompensateOn lists the states whose entry triggers the compensation
	// chain. Defaults to ["Failed"].
	CompensateOn []string

	// Repository retry wrapper settings.
	Retry RetryOptions
}

// Machine is a compiled state machine definition: the declared states, the
// events with their correlation selectors, and the workflow map binding each
// event to its step and predecessor states.
type Machine struct {
	name    string
	factory Factory
	options Options

	states       map[string]struct{}
	events       map[string]*Event
	workflow     map[string]*Binder
	compensateOn map[string]struct{}

	onFinalized func(Instance)

	compiled bool
	defErr   error
}

// NewMachine starts a definition. The factory produces the machine's state
// struct, which must embed saga.Embed.
func NewMachine(name string, factory Factory, options Options) *Machine {
	if len(options.CompensateOn) == 0 {
		options.CompensateOn = []string{"Failed"}
	}
	m := &Machine{
		name:         name,
		factory:      factory,
		options:      options,
		states:       make(map[string]struct{}),
		events:       make(map[string]*Event),
		workflow:     make(map[string]*Binder),
		compensateOn: make(map[string]struct{}),
	}
	for _, s := range options.CompensateOn {
		m.compensateOn[s] = struct{}{}
	}
	return m
}

// Name returns the saga type name, used as sagaType in stores.
func (m *Machine) Name() string { return m.name }

// Options returns the per-saga configuration.
func (m *Machine) Options() Options { return m.options }

// NewInstance produces a zero state struct.
func (m *Machine) NewInstance() Instance { return m.factory() }

// States declares the user states of the machine.
func (m *Machine) States(names ...string) *Machine {
	for _, n := range names {
		m.states[n] = struct{}{}
	}
	return m
}

// Event registers an event declaration.
func (m *Machine) Event(e *Event) *Machine {
	if _, dup := m.events[e.name]; dup {
		m.fail(fmt.Errorf("saga %s: event %s declared twice", m.name, e.name))
		return m
	}
	m.events[e.name] = e
	return m
}

// Initially attaches binders accepted before the instance exists (or while it
// still sits in INITIALLY).
func (m *Machine) Initially(binders ...*Binder) *Machine {
	for _, b := range binders {
		b.initial = true
		b.states[StateInitially] = struct{}{}
		m.bind(b)
	}
	return m
}

// During attaches binders accepted while the instance is in the given state.
func (m *Machine) During(state string, binders ...*Binder) *Machine {
	for _, b := range binders {
		b.states[state] = struct{}{}
		m.bind(b)
	}
	return m
}

// SetCompletedWhenFinalized registers the callback invoked when an instance
// reaches FINALIZE, before it is deleted or archived.
func (m *Machine) SetCompletedWhenFinalized(fn func(Instance)) *Machine {
	m.onFinalized = fn
	return m
}

func (m *Machine) bind(b *Binder) {
	if existing, ok := m.workflow[b.event]; ok {
		if existing != b {
			m.fail(fmt.Errorf("saga %s: event %s bound twice with different steps", m.name, b.event))
		}
		return
	}
	m.workflow[b.event] = b
}

func (m *Machine) fail(err error) {
	if m.defErr == nil {
		m.defErr = err
	}
}

// Compile validates the definition. Called once when the machine is
// registered with the application.
func (m *Machine) Compile() error {
	if m.defErr != nil {
		return m.defErr
	}
	if m.compiled {
		return nil
	}
	if m.factory == nil {
		return fmt.Errorf("saga %s: missing state factory", m.name)
	}
	for name, b := range m.workflow {
		if _, ok := m.events[name]; !ok {
			return fmt.Errorf("saga %s: step bound to undeclared event %s", m.name, name)
		}
		if b.transition != "" && b.transition != StateFinalize {
			if _, ok := m.states[b.transition]; !ok {
				return fmt.Errorf("saga %s: step %s transitions to undeclared state %s", m.name, name, b.transition)
			}
		}
		for s := range b.states {
			if s == StateInitially {
				continue
			}
			if _, ok := m.states[s]; !ok {
				return fmt.Errorf("saga %s: step %s accepted in undeclared state %s", m.name, name, s)
			}
		}
	}
	for name := range m.events {
		if _, ok := m.workflow[name]; !ok {
			return fmt.Errorf("saga %s: event %s has no step bound", m.name, name)
		}
	}
	m.compiled = true
	return nil
}

// EventNames lists the declared events, for topology declaration.
func (m *Machine) EventNames() []string {
	names := make([]string, 0, len(m.events))
	for n := range m.events {
		names = append(names, n)
	}
	return names
}

func (m *Machine) compensateTrigger(state string) bool {
	_, ok := m.compensateOn[state]
	return ok
}
