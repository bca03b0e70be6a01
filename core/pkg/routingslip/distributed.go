package routingslip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/google/uuid"
)

// Execution modes for the routing slip module.
const (
	ModeInProcess   = "InProcess"
	ModeDistributed = "Distributed"
)

// Requester is the request/reply port the distributed executor publishes
// through. The application bus implements it over the transport's
// direct-reply plumbing.
type Requester interface {
	RequestQueue(ctx context.Context, queue, typeName string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// DistributedConfig configures queue-dispatched execution.
type DistributedConfig struct {
	// QueuePrefix namespaces the per-activity queues.
	QueuePrefix string

	// RequestTimeout bounds each activity round trip. Defaults to 30s.
	RequestTimeout time.Duration
}

// DistributedExecutor mirrors the in-process loop but dispatches each step to
// the activity's execute queue and awaits the matched response, so individual
// activities scale independently of the coordinator.
type DistributedExecutor struct {
	requester Requester
	config    DistributedConfig
	notify    *notifier
	logger    contracts.Logger
}

// NewDistributedExecutor creates a queue-dispatched executor.
func NewDistributedExecutor(requester Requester, config DistributedConfig, logger contracts.Logger) *DistributedExecutor {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = contracts.NopLogger()
	}
	logger = logger.Named("routingslip.distributed")
	return &DistributedExecutor{
		requester: requester,
		config:    config,
		notify:    &notifier{logger: logger},
		logger:    logger,
	}
}

// Subscribe attaches a lifecycle subscriber; register at startup.
func (e *DistributedExecutor) Subscribe(events *Events) {
	e.notify.subscribers = append(e.notify.subscribers, events)
}

// Execute drives the slip, one queue round trip per step.
func (e *DistributedExecutor) Execute(ctx context.Context, rs *RoutingSlip) error {
	log := e.logger.WithFields("trackingNumber", rs.TrackingNumber)
	log.Info("routing slip started", "activities", len(rs.Itinerary), "mode", ModeDistributed)

	for i := 0; i < len(rs.Itinerary); i++ {
		step := rs.Itinerary[i]
		started := time.Now()

		resp, err := e.executeRemote(ctx, rs, step)
		if err != nil {
			e.fault(ctx, rs, step.Name, err)
			return err
		}

		switch resp.ResultType {
		case ResultComplete.String():
			entry := ActivityLog{
				Name:            step.Name,
				Timestamp:       started.UTC(),
				Duration:        resp.Duration,
				CompensationLog: resp.CompensationLog,
			}
			rs.ActivityLogs = append(rs.ActivityLogs, entry)
			rs.mergeVariables(resp.Variables)
			e.notify.activityCompleted(rs, step.Name, entry)

		case ResultTerminate.String():
			log.Info("routing slip terminated", "activity", step.Name)
			e.notify.terminated(rs)
			return nil

		case ResultFault.String():
			cause := errors.New(resp.Error)
			e.fault(ctx, rs, step.Name, cause)
			return cause

		default:
			cause := fmt.Errorf("routingslip: activity %s returned unknown result type %q", step.Name, resp.ResultType)
			e.fault(ctx, rs, step.Name, cause)
			return cause
		}
	}

	log.Info("routing slip completed", "activities", len(rs.ActivityLogs))
	e.notify.completed(rs)
	return nil
}

func (e *DistributedExecutor) executeRemote(ctx context.Context, rs *RoutingSlip, step ItineraryItem) (*ActivityExecuteResponse, error) {
	req := &ActivityExecute{
		TrackingNumber: rs.TrackingNumber,
		ActivityName:   step.Name,
		ExecutionID:    uuid.Must(uuid.NewV7()).String(),
		Args:           step.Args,
		Variables:      rs.snapshotVariables(),
		Timestamp:      time.Now().UTC(),
		CorrelationID:  uuid.NewString(),
	}

	queue := ExecuteQueueName(e.config.QueuePrefix, step.Name)
	raw, err := e.requester.RequestQueue(ctx, queue, "ActivityExecute", req, e.config.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("routingslip: execute %s on %s: %w", step.Name, queue, err)
	}

	var resp ActivityExecuteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("routingslip: decode execute response from %s: %w", step.Name, err)
	}
	if resp.ExecutionID != req.ExecutionID {
		return nil, fmt.Errorf("routingslip: execute response for wrong execution: got %s want %s",
			resp.ExecutionID, req.ExecutionID)
	}
	return &resp, nil
}

func (e *DistributedExecutor) fault(ctx context.Context, rs *RoutingSlip, name string, cause error) {
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

func (e *DistributedExecutor) compensate(ctx context.Context, rs *RoutingSlip) {
	for i := len(rs.ActivityLogs) - 1; i >= 0; i-- {
		entry := rs.ActivityLogs[i]

		clog := CompensateLog{Name: entry.Name, Timestamp: time.Now().UTC(), Succeeded: true}
		if err := e.compensateRemote(ctx, rs, entry); err != nil {
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

func (e *DistributedExecutor) compensateRemote(ctx context.Context, rs *RoutingSlip, entry ActivityLog) error {
	req := &ActivityCompensate{
		TrackingNumber:  rs.TrackingNumber,
		ActivityName:    entry.Name,
		CompensationLog: entry.CompensationLog,
		Variables:       rs.snapshotVariables(),
		Timestamp:       time.Now().UTC(),
		CorrelationID:   uuid.NewString(),
	}

	queue := CompensateQueueName(e.config.QueuePrefix, entry.Name)
	raw, err := e.requester.RequestQueue(ctx, queue, "ActivityCompensate", req, e.config.RequestTimeout)
	if err != nil {
		return err
	}

	var resp ActivityCompensateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode compensate response: %w", err)
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}
