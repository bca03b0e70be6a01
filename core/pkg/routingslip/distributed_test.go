package routingslip

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// loopbackRequester routes requests straight into a Host, standing in for the
// broker's request/reply path.
type loopbackRequester struct {
	host   *Host
	prefix string
	queues []string
}

func (l *loopbackRequester) RequestQueue(ctx context.Context, queue, typeName string, payload any, _ time.Duration) (json.RawMessage, error) {
	l.queues = append(l.queues, queue)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var resp any
	switch typeName {
	case "ActivityExecute":
		var req ActivityExecute
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		resp = l.host.execute(ctx, req.ActivityName, &req)
	case "ActivityCompensate":
		var req ActivityCompensate
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		resp = l.host.compensate(ctx, req.ActivityName, &req)
	default:
		return nil, errors.New("unexpected type " + typeName)
	}
	return json.Marshal(resp)
}

func TestDistributedExecutorRoundTrip(t *testing.T) {
	payment := &fakeActivity{
		execute: func(ec *ExecuteContext) (*ExecutionResult, error) {
			return ec.CompletedWithVariables(
				map[string]any{"txId": "tx-7"},
				map[string]any{"txId": "tx-7"},
			), nil
		},
	}
	inventory := &fakeActivity{}

	reg := NewRegistry()
	if err := reg.Add("ProcessPayment", payment); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("ReserveInventory", inventory); err != nil {
		t.Fatal(err)
	}

	req := &loopbackRequester{host: NewHost(reg, nil)}
	exec := NewDistributedExecutor(req, DistributedConfig{QueuePrefix: "orders"}, nil)

	rs := NewBuilder().
		AddActivity("ProcessPayment", "", map[string]any{"amount": 10.0}).
		AddActivity("ReserveInventory", "", nil).
		Build()

	if err := exec.Execute(context.Background(), rs); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(rs.ActivityLogs) != 2 {
		t.Fatalf("activityLogs = %d, want 2", len(rs.ActivityLogs))
	}
	if rs.Variables["txId"] != "tx-7" {
		t.Errorf("txId = %v, want tx-7", rs.Variables["txId"])
	}
	if rs.ActivityLogs[0].CompensationLog["txId"] != "tx-7" {
		t.Errorf("compensation log not carried: %+v", rs.ActivityLogs[0].CompensationLog)
	}
	if len(req.queues) != 2 ||
		req.queues[0] != "orders_process-payment_execute" ||
		req.queues[1] != "orders_reserve-inventory_execute" {
		t.Errorf("queues = %v", req.queues)
	}
}

func TestDistributedExecutorCompensates(t *testing.T) {
	var compensated []string

	payment := &fakeActivity{
		execute: func(ec *ExecuteContext) (*ExecutionResult, error) {
			return ec.CompletedWithLog(map[string]any{"txId": "tx-1"}), nil
		},
		compensate: func(cc *CompensateContext) error {
			compensated = append(compensated, "ProcessPayment")
			if cc.CompensationLog["txId"] != "tx-1" {
				t.Errorf("compensation log = %+v", cc.CompensationLog)
			}
			return nil
		},
	}
	shipping := &fakeActivity{
		execute: func(ec *ExecuteContext) (*ExecutionResult, error) {
			return ec.Faulted(errors.New("carrier unavailable")), nil
		},
	}

	reg := NewRegistry()
	if err := reg.Add("ProcessPayment", payment); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("ScheduleShipping", shipping); err != nil {
		t.Fatal(err)
	}

	req := &loopbackRequester{host: NewHost(reg, nil)}
	exec := NewDistributedExecutor(req, DistributedConfig{QueuePrefix: "orders"}, nil)

	rs := NewBuilder().
		AddActivity("ProcessPayment", "", nil).
		AddActivity("ScheduleShipping", "", nil).
		Build()

	err := exec.Execute(context.Background(), rs)
	if err == nil || err.Error() != "carrier unavailable" {
		t.Fatalf("Execute err = %v", err)
	}
	if len(compensated) != 1 || compensated[0] != "ProcessPayment" {
		t.Errorf("compensated = %v", compensated)
	}
	if len(rs.CompensateLogs) != 1 || !rs.CompensateLogs[0].Succeeded {
		t.Errorf("compensateLogs = %+v", rs.CompensateLogs)
	}

	last := req.queues[len(req.queues)-1]
	if last != "orders_process-payment_compensate" {
		t.Errorf("compensate queue = %s", last)
	}
}

func TestHostRejectsRevisionInDistributedMode(t *testing.T) {
	router := &fakeActivity{
		execute: func(ec *ExecuteContext) (*ExecutionResult, error) {
			return ec.ReviseItinerary(func(r []ItineraryItem) []ItineraryItem { return r }), nil
		},
	}
	reg := NewRegistry()
	if err := reg.Add("Router", router); err != nil {
		t.Fatal(err)
	}
	host := NewHost(reg, nil)

	resp := host.execute(context.Background(), "Router", &ActivityExecute{
		TrackingNumber: "t-1", ActivityName: "Router", ExecutionID: "e-1",
	})
	if resp.ResultType != ResultFault.String() {
		t.Fatalf("resultType = %s, want Fault", resp.ResultType)
	}
	if !strings.Contains(resp.Error, "revised the itinerary") {
		t.Errorf("error = %s", resp.Error)
	}
}

func TestHostNonCompensableReportsSuccess(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add("AuditTrail", &forwardOnly{}); err != nil {
		t.Fatal(err)
	}
	host := NewHost(reg, nil)

	resp := host.compensate(context.Background(), "AuditTrail", &ActivityCompensate{
		TrackingNumber: "t-1", ActivityName: "AuditTrail",
	})
	if !resp.Success {
		t.Fatalf("compensate of non-compensable activity failed: %s", resp.Error)
	}
}
