package routingslip

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/pipeline"
)

// Host serves activities over their per-activity queues. A coordinator runs
// the DistributedExecutor; hosts run anywhere and answer its execute and
// compensate requests through the pipeline's reply path.
type Host struct {
	registry *Registry
	logger   contracts.Logger
}

// NewHost wraps a registry for queue-dispatched serving.
func NewHost(registry *Registry, logger contracts.Logger) *Host {
	if logger == nil {
		logger = contracts.NopLogger()
	}
	return &Host{registry: registry, logger: logger.Named("routingslip.host")}
}

// ExecuteHandler returns the pipeline handler for an activity's execute
// queue. The handler's return value becomes the reply to the coordinator.
func (h *Host) ExecuteHandler(name string) pipeline.Handler {
	return pipeline.HandlerFunc{
		New: func() any { return new(ActivityExecute) },
		Fn: func(ctx context.Context, mc *pipeline.MessageContext) (any, error) {
			req := mc.Message.(*ActivityExecute)
			return h.execute(ctx, name, req), nil
		},
	}
}

// CompensateHandler returns the pipeline handler for an activity's
// compensate queue.
func (h *Host) CompensateHandler(name string) pipeline.Handler {
	return pipeline.HandlerFunc{
		New: func() any { return new(ActivityCompensate) },
		Fn: func(ctx context.Context, mc *pipeline.MessageContext) (any, error) {
			req := mc.Message.(*ActivityCompensate)
			return h.compensate(ctx, name, req), nil
		},
	}
}

func (h *Host) execute(ctx context.Context, name string, req *ActivityExecute) *ActivityExecuteResponse {
	resp := &ActivityExecuteResponse{
		TrackingNumber: req.TrackingNumber,
		ActivityName:   name,
		ExecutionID:    req.ExecutionID,
		Timestamp:      time.Now().UTC(),
		CorrelationID:  req.CorrelationID,
	}

	activity, err := h.registry.Get(name)
	if err != nil {
		resp.ResultType = ResultFault.String()
		resp.Error = err.Error()
		return resp
	}

	started := time.Now()
	result := h.run(ctx, activity, req)
	resp.Duration = time.Since(started)

	switch result.Kind {
	case ResultComplete:
		resp.Success = true
		resp.ResultType = ResultComplete.String()
		resp.CompensationLog = result.CompensationLog
		resp.Variables = result.Variables
	case ResultTerminate:
		resp.Success = true
		resp.ResultType = ResultTerminate.String()
	case ResultFault:
		resp.ResultType = ResultFault.String()
		resp.Error = result.Err.Error()
	default:
		resp.ResultType = ResultFault.String()
		resp.Error = fmt.Sprintf("unknown result kind %d from activity %s", result.Kind, name)
	}

	h.logger.Debug("activity served",
		"activity", name, "trackingNumber", req.TrackingNumber,
		"result", resp.ResultType, "duration", resp.Duration)
	return resp
}

func (h *Host) run(ctx context.Context, activity Activity, req *ActivityExecute) (result *ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &ExecutionResult{
				Kind: ResultFault,
				Err:  fmt.Errorf("activity %s panicked: %v\n%s", req.ActivityName, r, debug.Stack()),
			}
		}
	}()

	ec := &ExecuteContext{
		TrackingNumber: req.TrackingNumber,
		ActivityName:   req.ActivityName,
		Args:           req.Args,
		Variables:      req.Variables,
	}
	res, err := activity.Execute(ctx, ec)
	if err != nil {
		return &ExecutionResult{Kind: ResultFault, Err: err}
	}
	if res == nil {
		return &ExecutionResult{Kind: ResultComplete}
	}
	// Itinerary revisions need the coordinator's loop; a hosted activity
	// cannot rewrite the slip it does not hold.
	if res.Revision != nil {
		return &ExecutionResult{
			Kind: ResultFault,
			Err:  fmt.Errorf("activity %s revised the itinerary in distributed mode", req.ActivityName),
		}
	}
	return res
}

func (h *Host) compensate(ctx context.Context, name string, req *ActivityCompensate) *ActivityCompensateResponse {
	resp := &ActivityCompensateResponse{
		TrackingNumber: req.TrackingNumber,
		ActivityName:   name,
		Timestamp:      time.Now().UTC(),
		CorrelationID:  req.CorrelationID,
	}

	activity, err := h.registry.Get(name)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	compensable, ok := activity.(CompensableActivity)
	if !ok {
		// Nothing to undo; report success so the coordinator moves on.
		resp.Success = true
		return resp
	}

	if err := h.runCompensate(ctx, compensable, req); err != nil {
		resp.Error = err.Error()
		h.logger.WithError(err).Error("hosted compensation failed",
			"activity", name, "trackingNumber", req.TrackingNumber)
		return resp
	}
	resp.Success = true
	return resp
}

func (h *Host) runCompensate(ctx context.Context, compensable CompensableActivity, req *ActivityCompensate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation of %s panicked: %v", req.ActivityName, r)
		}
	}()

	return compensable.Compensate(ctx, &CompensateContext{
		TrackingNumber:  req.TrackingNumber,
		ActivityName:    req.ActivityName,
		CompensationLog: req.CompensationLog,
		Variables:       req.Variables,
	})
}
