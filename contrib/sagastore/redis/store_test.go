package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/caravan-bus/caravan/core/pkg/saga"
	goredis "github.com/redis/go-redis/v9"
)

type orderState struct {
	saga.Embed
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreWithClient(client, &Config{KeyPrefix: "order-saga"},
		func() saga.Instance { return &orderState{} })
}

func TestSaveAndFind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &orderState{OrderID: "o-1", Total: 42}
	inst.CorrelationID = "c-1"
	inst.CurrentState = "AwaitingPayment"

	if err := store.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if inst.Version != 1 {
		t.Errorf("version = %d, want 1", inst.Version)
	}

	found, err := store.FindByCorrelationID(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil {
		t.Fatal("instance not found")
	}
	state := found.(*orderState)
	if state.OrderID != "o-1" || state.Total != 42 || state.Version != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestFindMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	found, err := store.FindByCorrelationID(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Error("missing instance resolved")
	}
}

func TestVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("stale update", func(t *testing.T) {
		inst := &orderState{}
		inst.CorrelationID = "c-stale"
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}

		stale := &orderState{}
		stale.CorrelationID = "c-stale"
		stale.Version = 1
		if err := store.Save(ctx, stale); !errors.Is(err, saga.ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
		if stale.Version != 1 {
			t.Errorf("failed save moved version to %d", stale.Version)
		}
	})

	t.Run("phantom insert", func(t *testing.T) {
		inst := &orderState{}
		inst.CorrelationID = "c-phantom"
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}

		phantom := &orderState{}
		phantom.CorrelationID = "c-phantom"
		if err := store.Save(ctx, phantom); !errors.Is(err, saga.ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("nonzero version on empty key", func(t *testing.T) {
		inst := &orderState{}
		inst.CorrelationID = "c-empty"
		inst.Version = 3
		if err := store.Save(ctx, inst); !errors.Is(err, saga.ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
	})
}

func TestSequentialSaves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &orderState{}
	inst.CorrelationID = "c-1"
	for want := 1; want <= 3; want++ {
		inst.Total = want
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
		if inst.Version != want {
			t.Fatalf("version = %d, want %d", inst.Version, want)
		}
	}
}

func TestArchive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &orderState{}
	inst.CorrelationID = "c-1"
	if err := store.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if err := store.Archive(ctx, "c-1"); err != nil {
		t.Fatal(err)
	}

	found, err := store.FindByCorrelationID(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Error("archived instance still resolves")
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}

	if err := store.Archive(ctx, "unknown"); err == nil {
		t.Error("archiving unknown instance succeeded")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &orderState{}
	inst.CorrelationID = "c-1"
	if err := store.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "c-1"); err != nil {
		t.Fatal(err)
	}
	found, err := store.FindByCorrelationID(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Error("deleted instance still resolves")
	}
}

func TestQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id    string
		state string
		order string
	}{
		{"c-1", "AwaitingPayment", "o-1"},
		{"c-2", "AwaitingPayment", "o-2"},
		{"c-3", "Failed", "o-3"},
	}
	for _, s := range seed {
		inst := &orderState{OrderID: s.order}
		inst.CorrelationID = s.id
		inst.CurrentState = s.state
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	byState, err := store.FindByState(ctx, "AwaitingPayment")
	if err != nil {
		t.Fatal(err)
	}
	if len(byState) != 2 {
		t.Errorf("FindByState = %d instances, want 2", len(byState))
	}

	byField, err := store.Find(ctx, map[string]any{"orderId": "o-3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byField) != 1 || byField[0].(*orderState).CorrelationID != "c-3" {
		t.Errorf("Find by orderId matched %d instances", len(byField))
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
