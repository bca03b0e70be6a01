package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/caravan-bus/caravan/core/pkg/retry"
)

type flakyRepo struct {
	memRepo
	failures int
	calls    int
	err      error
}

func (r *flakyRepo) Save(ctx context.Context, inst Instance) error {
	r.calls++
	if r.calls <= r.failures {
		return r.err
	}
	return r.memRepo.Save(ctx, inst)
}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	inner := &flakyRepo{memRepo: *newMemRepo(orderFactory), failures: 2, err: errors.New("connection reset")}
	repo := WithRetry(inner, RetryOptions{Attempts: 3})

	st := &orderState{OrderID: "o-1"}
	st.CorrelationID = "o-1"

	if err := repo.Save(context.Background(), st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestWithRetryDoesNotRetryVersionConflict(t *testing.T) {
	inner := &flakyRepo{memRepo: *newMemRepo(orderFactory), failures: 10, err: ErrVersionConflict}
	repo := WithRetry(inner, RetryOptions{Attempts: 5})

	st := &orderState{OrderID: "o-2"}
	st.CorrelationID = "o-2"

	err := repo.Save(context.Background(), st)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1: replaying a stale save cannot succeed", inner.calls)
	}
	if retry.IsPermanent(err) {
		t.Error("conflict must surface transient so the pipeline ladder reloads")
	}
}

func TestWithRetryExhaustionUnwraps(t *testing.T) {
	cause := errors.New("io timeout")
	inner := &flakyRepo{memRepo: *newMemRepo(orderFactory), failures: 10, err: cause}
	repo := WithRetry(inner, RetryOptions{Attempts: 2})

	st := &orderState{OrderID: "o-3"}
	st.CorrelationID = "o-3"

	err := repo.Save(context.Background(), st)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want the underlying cause", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestWithRetryZeroAttemptsPassesThrough(t *testing.T) {
	inner := newMemRepo(orderFactory)
	if got := WithRetry(inner, RetryOptions{}); got != Repository(inner) {
		t.Error("zero attempts must return the inner repository unwrapped")
	}
}
