package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/adapters/broker/memory"
	"github.com/caravan-bus/caravan/core/pkg/app"
	"github.com/caravan-bus/caravan/core/pkg/pipeline"
	"github.com/caravan-bus/caravan/core/pkg/retry"
	"github.com/caravan-bus/caravan/core/pkg/routingslip"
	"github.com/caravan-bus/caravan/core/pkg/saga"

	sagamem "github.com/caravan-bus/caravan/contrib/sagastore/memory"
)

type orderSubmitted struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

type inventoryReserved struct {
	OrderID string `json:"orderId"`
}

type paymentAccepted struct {
	OrderID string `json:"orderId"`
}

type orderCompleted struct {
	OrderID string `json:"orderId"`
}

type orderState struct {
	saga.Embed
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func orderFactory() saga.Instance { return &orderState{} }

func consumerOf[T any](fn func(ctx context.Context, msg *T) error) pipeline.Handler {
	return pipeline.HandlerFunc{
		New: func() any { return new(T) },
		Fn: func(ctx context.Context, mc *pipeline.MessageContext) (any, error) {
			return nil, fn(ctx, mc.Message.(*T))
		},
	}
}

func await(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestBusConsumer(t *testing.T) {
	ctx := context.Background()
	bus := app.New("test", memory.New(nil))

	got := make(chan struct{})
	var once sync.Once
	bus.AddConsumer("billing", "OrderSubmitted", consumerOf(func(_ context.Context, msg *orderSubmitted) error {
		if msg.OrderID != "o-1" {
			t.Errorf("orderId = %s", msg.OrderID)
		}
		once.Do(func() { close(got) })
		return nil
	}))

	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop(ctx)

	if err := bus.Publish(ctx, "OrderSubmitted", &orderSubmitted{OrderID: "o-1", Total: 10}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	await(t, got, "consumer delivery")
}

func TestBusDuplicateConsumerFailsStart(t *testing.T) {
	bus := app.New("test", memory.New(nil))
	h := consumerOf(func(context.Context, *orderSubmitted) error { return nil })
	bus.AddConsumer("a", "OrderSubmitted", h)
	bus.AddConsumer("b", "OrderSubmitted", h)
	if err := bus.Start(context.Background()); err == nil {
		t.Fatal("Start accepted a message type bound to two endpoints")
	}
}

// The full saga choreography: the order saga publishes commands, downstream
// consumers answer with events, and the machine finalizes.
func TestBusSagaChoreography(t *testing.T) {
	ctx := context.Background()
	bus := app.New("test", memory.New(nil))
	store := sagamem.NewStore(orderFactory)

	submitted := saga.NewEvent("OrderSubmitted", func(m *orderSubmitted) string { return m.OrderID })
	reserved := saga.NewEvent("InventoryReserved", func(m *inventoryReserved) string { return m.OrderID })
	accepted := saga.NewEvent("PaymentAccepted", func(m *paymentAccepted) string { return m.OrderID })

	machine := saga.NewMachine("Order", orderFactory, saga.Options{}).
		States("AwaitingInventory", "AwaitingPayment").
		Event(submitted).
		Event(reserved).
		Event(accepted).
		Initially(
			saga.When("OrderSubmitted").
				Then(func(_ context.Context, sc *saga.Context) error {
					st := sc.Saga.(*orderState)
					msg := sc.Message.(*orderSubmitted)
					st.OrderID = msg.OrderID
					st.Total = msg.Total
					return nil
				}).
				PublishAsync("ReserveInventory", func(_ context.Context, sc *saga.Context) (any, error) {
					return &inventoryReserved{OrderID: sc.Saga.(*orderState).OrderID}, nil
				}).
				TransitionTo("AwaitingInventory"),
		).
		During("AwaitingInventory",
			saga.When("InventoryReserved").TransitionTo("AwaitingPayment"),
		).
		During("AwaitingPayment",
			saga.When("PaymentAccepted").
				PublishAsync("OrderCompleted", func(_ context.Context, sc *saga.Context) (any, error) {
					return &orderCompleted{OrderID: sc.Saga.(*orderState).OrderID}, nil
				}).
				Finalize(),
		)

	bus.AddSagaStateMachine(machine, store, "order-saga")

	// The inventory service answers the saga's command with its event.
	bus.AddConsumer("inventory", "ReserveInventory", consumerOf(func(ctx context.Context, msg *inventoryReserved) error {
		return bus.Publish(ctx, "InventoryReserved", msg)
	}))

	completed := make(chan struct{})
	var once sync.Once
	bus.AddConsumer("notifications", "OrderCompleted", consumerOf(func(_ context.Context, msg *orderCompleted) error {
		if msg.OrderID != "o-1" {
			t.Errorf("completed orderId = %s", msg.OrderID)
		}
		once.Do(func() { close(completed) })
		return nil
	}))

	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop(ctx)

	if err := bus.Publish(ctx, "OrderSubmitted", &orderSubmitted{OrderID: "o-1", Total: 42}); err != nil {
		t.Fatal(err)
	}

	// Wait until the saga parks in AwaitingPayment, then accept payment.
	deadline := time.Now().Add(5 * time.Second)
	for {
		inst, err := store.FindByCorrelationID(ctx, "o-1")
		if err != nil {
			t.Fatal(err)
		}
		if inst != nil && inst.Saga().CurrentState == "AwaitingPayment" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("saga never reached AwaitingPayment")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := bus.Publish(ctx, "PaymentAccepted", &paymentAccepted{OrderID: "o-1"}); err != nil {
		t.Fatal(err)
	}
	await(t, completed, "OrderCompleted event")

	// Finalize without AutoArchive deletes the instance.
	deadline = time.Now().Add(5 * time.Second)
	for {
		inst, _ := store.FindByCorrelationID(ctx, "o-1")
		if inst == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finalized instance never removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBusRedeliveryLadder(t *testing.T) {
	ctx := context.Background()
	bus := app.New("test", memory.New(nil))

	var mu sync.Mutex
	var attempts []bool // redelivered flag per attempt
	done := make(chan struct{})

	bus.ReceiveEndpoint("flaky", func(e *app.EndpointConfig) {
		e.UseDelayedRedelivery(retry.Intervals(10*time.Millisecond)).
			Consumer("OrderSubmitted", pipeline.HandlerFunc{
				New: func() any { return new(orderSubmitted) },
				Fn: func(_ context.Context, mc *pipeline.MessageContext) (any, error) {
					mu.Lock()
					attempts = append(attempts, mc.Redelivered)
					n := len(attempts)
					mu.Unlock()
					if n == 1 {
						return nil, errors.New("transient outage")
					}
					close(done)
					return nil, nil
				},
			})
	})

	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Stop(ctx)

	if err := bus.Publish(ctx, "OrderSubmitted", &orderSubmitted{OrderID: "o-1"}); err != nil {
		t.Fatal(err)
	}
	await(t, done, "redelivered attempt")

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] || !attempts[1] {
		t.Errorf("attempts = %v, want [false true]", attempts)
	}
}

func TestBusDeadletterAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	tr := memory.New(nil)
	bus := app.New("test", tr)

	bus.ReceiveEndpoint("doomed", func(e *app.EndpointConfig) {
		e.UseMessageRetry(retry.Immediate(1)).
			Consumer("OrderSubmitted", consumerOf(func(context.Context, *orderSubmitted) error {
				return errors.New("always fails")
			}))
	})

	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Stop(ctx)

	if err := bus.Publish(ctx, "OrderSubmitted", &orderSubmitted{OrderID: "o-1"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var n int64
	for {
		n, _ = tr.QueueLength(ctx, "test:doomed_error")
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("error queue length = %d, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type activityFunc struct {
	execute    func(ctx context.Context, ec *routingslip.ExecuteContext) (*routingslip.ExecutionResult, error)
	compensate func(ctx context.Context, cc *routingslip.CompensateContext) error
}

func (a activityFunc) Execute(ctx context.Context, ec *routingslip.ExecuteContext) (*routingslip.ExecutionResult, error) {
	return a.execute(ctx, ec)
}

func (a activityFunc) Compensate(ctx context.Context, cc *routingslip.CompensateContext) error {
	return a.compensate(ctx, cc)
}

// Activity hosts all consume the same ActivityExecute/ActivityCompensate
// types on their own queues; registering several activities must not trip the
// one-endpoint-per-type rule.
func TestBusStartProvisionsManyActivities(t *testing.T) {
	ctx := context.Background()
	tr := memory.New(nil)
	bus := app.New("test", tr)

	noop := activityFunc{
		execute: func(_ context.Context, ec *routingslip.ExecuteContext) (*routingslip.ExecutionResult, error) {
			return ec.Completed(), nil
		},
		compensate: func(context.Context, *routingslip.CompensateContext) error { return nil },
	}
	bus.AddActivity("ProcessPayment", noop).
		AddActivity("ReserveInventory", noop).
		ConfigureRoutingSlips(app.RoutingSlipOptions{
			ExecutionMode:       routingslip.ModeDistributed,
			QueuePrefix:         "orders",
			AutoProvisionQueues: true,
		})

	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Stop(ctx)

	// Every activity got its queue pair.
	for _, q := range []string{
		"test:orders_process-payment_execute", "test:orders_process-payment_compensate",
		"test:orders_reserve-inventory_execute", "test:orders_reserve-inventory_compensate",
	} {
		if _, err := tr.QueueLength(ctx, q); err != nil {
			t.Errorf("queue %s not provisioned: %v", q, err)
		}
	}
}

func TestBusDistributedRoutingSlip(t *testing.T) {
	ctx := context.Background()
	bus := app.New("test", memory.New(nil))

	var mu sync.Mutex
	var order []string

	record := func(name string, fail bool) routingslip.Activity {
		return activityFunc{
			execute: func(_ context.Context, ec *routingslip.ExecuteContext) (*routingslip.ExecutionResult, error) {
				mu.Lock()
				order = append(order, "exec:"+name)
				mu.Unlock()
				if fail {
					return ec.Faulted(errors.New(name + " failed")), nil
				}
				return ec.CompletedWithLog(map[string]any{"step": name}), nil
			},
			compensate: func(_ context.Context, cc *routingslip.CompensateContext) error {
				mu.Lock()
				order = append(order, "comp:"+name)
				mu.Unlock()
				return nil
			},
		}
	}

	bus.AddActivity("ProcessPayment", record("ProcessPayment", false)).
		AddActivity("ReserveInventory", record("ReserveInventory", false)).
		AddActivity("ScheduleShipping", record("ScheduleShipping", true)).
		ConfigureRoutingSlips(app.RoutingSlipOptions{
			ExecutionMode:       routingslip.ModeDistributed,
			QueuePrefix:         "orders",
			AutoProvisionQueues: true,
			RequestTimeout:      5 * time.Second,
		})

	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Stop(ctx)

	exec, err := bus.RoutingSlipExecutor()
	if err != nil {
		t.Fatal(err)
	}

	rs := routingslip.NewBuilder().
		AddActivity("ProcessPayment", "", nil).
		AddActivity("ReserveInventory", "", nil).
		AddActivity("ScheduleShipping", "", nil).
		Build()

	if err := exec.Execute(ctx, rs); err == nil {
		t.Fatal("Execute: expected fault from ScheduleShipping")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"exec:ProcessPayment", "exec:ReserveInventory", "exec:ScheduleShipping",
		"comp:ReserveInventory", "comp:ProcessPayment",
	}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
	if len(rs.CompensateLogs) != 2 {
		t.Errorf("compensateLogs = %d, want 2", len(rs.CompensateLogs))
	}
}
