package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/pipeline"
	"github.com/caravan-bus/caravan/core/pkg/retry"
)

// RejectedStateError reports an event that arrived while the instance was in
// a state that does not accept it. It is a logic fault, not a race: the
// pipeline deadletters it without retry or redelivery.
type RejectedStateError struct {
	Saga          string
	Event         string
	CorrelationID string
	State         string
}

func (e *RejectedStateError) Error() string {
	return fmt.Sprintf("saga %s cancelled: event %s not accepted in state %s (correlation %s)",
		e.Saga, e.Event, e.State, e.CorrelationID)
}

// Publisher sends the outbound messages a saga step produces. The saved
// instance state travels in the envelope's saga header so downstream handlers
// can skip a repository read.
type Publisher interface {
	PublishMessage(ctx context.Context, typeName string, payload any, sagaState json.RawMessage) error
}

// Executor drives one machine: it resolves each incoming event to an
// instance, advances the state machine, persists with optimistic concurrency
// and dispatches the follow-up messages.
type Executor struct {
	machine   *Machine
	repo      Repository
	publisher Publisher
	logger    contracts.Logger
}

// NewExecutor wires a compiled machine to its repository and publisher. The
// repository is wrapped with the machine's retry options.
func NewExecutor(m *Machine, repo Repository, publisher Publisher, logger contracts.Logger) (*Executor, error) {
	if err := m.Compile(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = contracts.NopLogger()
	}
	return &Executor{
		machine:   m,
		repo:      WithRetry(repo, m.options.Retry),
		publisher: publisher,
		logger:    logger.Named("saga").WithFields("saga", m.name),
	}, nil
}

// Machine returns the definition this executor drives.
func (x *Executor) Machine() *Machine { return x.machine }

// HandlerFor returns the pipeline handler for one of the machine's events.
func (x *Executor) HandlerFor(eventName string) (pipeline.Handler, error) {
	event, ok := x.machine.events[eventName]
	if !ok {
		return nil, fmt.Errorf("saga %s: unknown event %s", x.machine.name, eventName)
	}
	return pipeline.HandlerFunc{
		New: event.newMessage,
		Fn: func(ctx context.Context, mc *pipeline.MessageContext) (any, error) {
			return nil, x.execute(ctx, event, mc)
		},
	}, nil
}

func (x *Executor) execute(ctx context.Context, event *Event, mc *pipeline.MessageContext) error {
	binder, ok := x.machine.workflow[event.name]
	if !ok {
		return retry.Permanent(fmt.Errorf("saga %s: no step bound for event %s", x.machine.name, event.name))
	}

	id := event.correlate(mc.Message)
	if id == "" {
		return retry.Permanent(fmt.Errorf("saga %s: event %s produced an empty correlation id", x.machine.name, event.name))
	}

	inst, isNew, err := x.resolve(ctx, binder, id, mc.SagaState)
	if err != nil {
		return err
	}

	emb := inst.Saga()
	sc := &Context{Saga: inst, Message: mc.Message, Envelope: mc.Envelope, IsNew: isNew}

	// Transition guard: either the instance is brand new (or still in
	// INITIALLY) and the step accepts initial events, or the current state
	// is in the step's predecessor set.
	accepted := false
	if _, ok := binder.states[emb.CurrentState]; ok {
		accepted = true
	} else if emb.CurrentState == StateInitially && binder.initial {
		accepted = true
	}
	if !accepted {
		return retry.Permanent(&RejectedStateError{
			Saga:          x.machine.name,
			Event:         event.name,
			CorrelationID: id,
			State:         emb.CurrentState,
		})
	}

	if binder.then != nil {
		if err := binder.then(ctx, sc); err != nil {
			return fmt.Errorf("saga %s: then for %s: %w", x.machine.name, event.name, err)
		}
	}

	if binder.transition != "" {
		emb.CurrentState = binder.transition
	}

	// A step that declared a compensation leaves its undo record behind
	// before the save, so the log survives alongside the state it undoes.
	if binder.compensate != nil && !emb.compensating {
		emb.CompensationActivities = append(emb.CompensationActivities, CompensationActivity{
			EventName:        event.name,
			StateName:        emb.CurrentState,
			CompensationData: mc.Envelope.Message,
			Timestamp:        time.Now().UTC(),
		})
	}

	// Persist before publishing. A version conflict propagates as a
	// transient failure: the retry ladder reloads and replays.
	if err := x.repo.Save(ctx, inst); err != nil {
		return fmt.Errorf("saga %s: save %s: %w", x.machine.name, id, err)
	}

	if binder.publish != nil {
		state, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("saga %s: marshal state for headers: %w", x.machine.name, err)
		}
		payload, err := binder.publish(ctx, sc)
		if err != nil {
			return fmt.Errorf("saga %s: build %s: %w", x.machine.name, binder.publishType, err)
		}
		if err := x.publisher.PublishMessage(ctx, binder.publishType, payload, state); err != nil {
			return fmt.Errorf("saga %s: publish %s: %w", x.machine.name, binder.publishType, err)
		}
	}

	if x.machine.compensateTrigger(emb.CurrentState) && len(emb.CompensationActivities) > 0 {
		if err := x.Compensate(ctx, inst); err != nil {
			x.logger.WithError(err).Error("compensation chain failed", "correlationId", id)
		}
	}

	if binder.finalize {
		return x.finalize(ctx, inst)
	}

	x.logger.Debug("event applied",
		"event", event.name, "correlationId", id,
		"state", emb.CurrentState, "version", emb.Version)
	return nil
}

// resolve builds the context's instance: header state, repository state, or a
// fresh instance for initial events. When both header and repository carry
// state and their versions differ, the repository wins; the header may only
// seed an instance the store has never seen.
func (x *Executor) resolve(ctx context.Context, binder *Binder, id string, header json.RawMessage) (Instance, bool, error) {
	stored, err := x.repo.FindByCorrelationID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("saga %s: load %s: %w", x.machine.name, id, err)
	}

	if header != nil {
		seed := x.machine.factory()
		if err := json.Unmarshal(header, seed); err != nil {
			return nil, false, retry.Permanent(fmt.Errorf("saga %s: decode header state: %w", x.machine.name, err))
		}
		if stored == nil {
			return seed, false, nil
		}
		return stored, false, nil
	}

	if stored != nil {
		return stored, false, nil
	}

	if !binder.initial {
		return nil, false, retry.Permanent(&RejectedStateError{
			Saga:          x.machine.name,
			Event:         binder.event,
			CorrelationID: id,
			State:         "(no instance)",
		})
	}

	fresh := x.machine.factory()
	emb := fresh.Saga()
	emb.CorrelationID = id
	emb.CurrentState = StateInitially
	return fresh, true, nil
}

func (x *Executor) finalize(ctx context.Context, inst Instance) error {
	emb := inst.Saga()
	emb.CurrentState = StateFinalize

	if x.machine.onFinalized != nil {
		x.machine.onFinalized(inst)
	}

	if x.machine.options.AutoArchive {
		if err := x.repo.Archive(ctx, emb.CorrelationID); err != nil {
			return fmt.Errorf("saga %s: archive %s: %w", x.machine.name, emb.CorrelationID, err)
		}
	} else {
		if err := x.repo.Delete(ctx, emb.CorrelationID); err != nil {
			return fmt.Errorf("saga %s: delete %s: %w", x.machine.name, emb.CorrelationID, err)
		}
	}

	x.logger.Info("saga finalized", "correlationId", emb.CorrelationID,
		"archived", x.machine.options.AutoArchive)
	return nil
}

// Compensate runs the instance's compensation log newest-first and clears it.
// Individual failures are logged and surfaced through the error, but never
// abort the remaining compensations.
func (x *Executor) Compensate(ctx context.Context, inst Instance) error {
	emb := inst.Saga()
	if emb.compensating || len(emb.CompensationActivities) == 0 {
		return nil
	}
	emb.compensating = true
	defer func() { emb.compensating = false }()

	var failed []string
	for i := len(emb.CompensationActivities) - 1; i >= 0; i-- {
		entry := emb.CompensationActivities[i]
		if err := x.compensateOne(ctx, inst, entry); err != nil {
			failed = append(failed, entry.EventName)
			x.logger.WithError(err).Error("compensation failed",
				"event", entry.EventName, "state", entry.StateName,
				"correlationId", emb.CorrelationID)
		}
	}

	emb.CompensationActivities = nil
	if err := x.repo.Save(ctx, inst); err != nil {
		return fmt.Errorf("saga %s: save after compensation: %w", x.machine.name, err)
	}

	if len(failed) > 0 {
		return fmt.Errorf("saga %s: %d compensation(s) failed: %v", x.machine.name, len(failed), failed)
	}
	return nil
}

func (x *Executor) compensateOne(ctx context.Context, inst Instance, entry CompensationActivity) error {
	binder, ok := x.machine.workflow[entry.EventName]
	if !ok || binder.compensate == nil {
		return fmt.Errorf("no compensation bound for event %s", entry.EventName)
	}
	event := x.machine.events[entry.EventName]

	msg := event.newMessage()
	if err := json.Unmarshal(entry.CompensationData, msg); err != nil {
		return fmt.Errorf("decode compensation data: %w", err)
	}

	return binder.compensate(ctx, &Context{Saga: inst, Message: msg})
}
