package routingslip

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
)

// Executor runs routing slips in process: activities execute on the caller's
// goroutine, one after another, and compensation runs LIFO on fault.
type Executor struct {
	registry *Registry
	notify   *notifier
	logger   contracts.Logger
}

// NewExecutor creates an in-process executor over an activity registry.
func NewExecutor(registry *Registry, logger contracts.Logger) *Executor {
	if logger == nil {
		logger = contracts.NopLogger()
	}
	logger = logger.Named("routingslip")
	return &Executor{
		registry: registry,
		notify:   &notifier{logger: logger},
		logger:   logger,
	}
}

// Subscribe attaches a lifecycle subscriber. Not safe to call concurrently
// with Execute; register subscribers at startup.
func (e *Executor) Subscribe(events *Events) {
	e.notify.subscribers = append(e.notify.subscribers, events)
}

// Execute drives the slip forward. On a fault it compensates completed
// activities in reverse order and returns the causing error; Terminate stops
// without compensation and without error.
func (e *Executor) Execute(ctx context.Context, rs *RoutingSlip) error {
	log := e.logger.WithFields("trackingNumber", rs.TrackingNumber)
	log.Info("routing slip started", "activities", len(rs.Itinerary))

	for i := 0; i < len(rs.Itinerary); i++ {
		step := rs.Itinerary[i]

		activity, err := e.registry.Get(step.Name)
		if err != nil {
			e.fault(ctx, rs, step.Name, err)
			return err
		}

		started := time.Now()
		result := e.executeOne(ctx, activity, rs, step)

		switch result.Kind {
		case ResultComplete:
			entry := ActivityLog{
				Name:            step.Name,
				Timestamp:       started.UTC(),
				Duration:        time.Since(started),
				CompensationLog: result.CompensationLog,
			}
			rs.ActivityLogs = append(rs.ActivityLogs, entry)
			rs.mergeVariables(result.Variables)
			e.notify.activityCompleted(rs, step.Name, entry)
			log.Debug("activity completed", "activity", step.Name, "duration", entry.Duration)

			if result.Revision != nil {
				remaining := append([]ItineraryItem(nil), rs.Itinerary[i+1:]...)
				rs.Itinerary = append(rs.Itinerary[:i+1:i+1], result.Revision(remaining)...)
				log.Info("itinerary revised", "activity", step.Name, "remaining", len(rs.Itinerary)-i-1)
			}

		case ResultTerminate:
			log.Info("routing slip terminated", "activity", step.Name)
			e.notify.terminated(rs)
			return nil

		case ResultFault:
			e.fault(ctx, rs, step.Name, result.Err)
			return result.Err

		default:
			err := fmt.Errorf("routingslip: activity %s returned unknown result kind %d", step.Name, result.Kind)
			e.fault(ctx, rs, step.Name, err)
			return err
		}
	}

	log.Info("routing slip completed", "activities", len(rs.ActivityLogs))
	e.notify.completed(rs)
	return nil
}

// executeOne invokes the activity, converting thrown errors and panics into
// fault results.
func (e *Executor) executeOne(ctx context.Context, activity Activity, rs *RoutingSlip, step ItineraryItem) (result *ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &ExecutionResult{
				Kind: ResultFault,
				Err:  fmt.Errorf("routingslip: activity %s panicked: %v\n%s", step.Name, r, debug.Stack()),
			}
		}
	}()

	ec := &ExecuteContext{
		TrackingNumber: rs.TrackingNumber,
		ActivityName:   step.Name,
		Args:           step.Args,
		Variables:      rs.snapshotVariables(),
	}

	res, err := activity.Execute(ctx, ec)
	if err != nil {
		return &ExecutionResult{Kind: ResultFault, Err: err}
	}
	if res == nil {
		return &ExecutionResult{Kind: ResultComplete}
	}
	return res
}

func (e *Executor) fault(ctx context.Context, rs *RoutingSlip, name string, cause error) {
	exc := ActivityException{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Message:   cause.Error(),
	}
	rs.Exceptions = append(rs.Exceptions, exc)
	e.notify.activityFaulted(rs, name, exc)
	e.logger.WithError(cause).Error("activity faulted",
		"trackingNumber", rs.TrackingNumber, "activity", name)

	e.compensate(ctx, rs)
	e.notify.faulted(rs, cause)
}

// compensate undoes completed activities newest-first. Failures are recorded
// and emitted but never stop the remaining compensations.
func (e *Executor) compensate(ctx context.Context, rs *RoutingSlip) {
	for i := len(rs.ActivityLogs) - 1; i >= 0; i-- {
		entry := rs.ActivityLogs[i]

		activity, err := e.registry.Get(entry.Name)
		if err != nil {
			e.notify.compensationFailed(rs, entry.Name, err)
			continue
		}
		compensable, ok := activity.(CompensableActivity)
		if !ok {
			// Activities without compensation are skipped, not failed.
			continue
		}

		clog := CompensateLog{Name: entry.Name, Timestamp: time.Now().UTC(), Succeeded: true}
		if err := e.compensateOne(ctx, rs, compensable, entry); err != nil {
			clog.Succeeded = false
			clog.Error = err.Error()
			rs.CompensateLogs = append(rs.CompensateLogs, clog)
			e.notify.compensationFailed(rs, entry.Name, err)
			e.logger.WithError(err).Error("compensation failed",
				"trackingNumber", rs.TrackingNumber, "activity", entry.Name)
			continue
		}
		rs.CompensateLogs = append(rs.CompensateLogs, clog)
		e.notify.activityCompensated(rs, entry.Name)
	}
}

func (e *Executor) compensateOne(ctx context.Context, rs *RoutingSlip, compensable CompensableActivity, entry ActivityLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routingslip: compensation of %s panicked: %v", entry.Name, r)
		}
	}()

	return compensable.Compensate(ctx, &CompensateContext{
		TrackingNumber:  rs.TrackingNumber,
		ActivityName:    entry.Name,
		CompensationLog: entry.CompensationLog,
		Variables:       rs.snapshotVariables(),
	})
}
