package saga

import (
	"context"
	"errors"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/retry"
)

// ErrVersionConflict is returned by Save when the stored Version no longer
// matches the in-memory one. It is transient: the pipeline's retry ladder
// reloads the newer state and replays the event.
var ErrVersionConflict = errors.New("saga: version conflict")

// Repository is the persistence port of the runtime. Implementations live in
// contrib/sagastore (memory, mongo, gorm, redis).
//
// The port is declared here rather than in contracts because stores produce
// and consume saga.Instance values.
type Repository interface {
	// FindByCorrelationID returns the active instance, or nil when none
	// exists. Archived instances are excluded.
	FindByCorrelationID(ctx context.Context, id string) (Instance, error)

	// Save upserts the instance with an optimistic lock on Version: the
	// write succeeds only when the stored version equals the in-memory
	// one, after which Version is incremented by 1 (in the store and on
	// the passed instance). A mismatch returns ErrVersionConflict.
	Save(ctx context.Context, inst Instance) error

	// Delete removes the instance.
	Delete(ctx context.Context, id string) error

	// Archive soft-deletes the instance: CurrentState becomes FINALIZE,
	// archivedAt is stamped, and FindByCorrelationID stops returning it.
	Archive(ctx context.Context, id string) error

	// Administrative queries.
	FindByState(ctx context.Context, state string) ([]Instance, error)
	Find(ctx context.Context, query map[string]any) ([]Instance, error)
	Count(ctx context.Context) (int64, error)
}

// RetryOptions configures the repository retry wrapper.
type RetryOptions struct {
	Attempts           int
	Delay              time.Duration
	ExponentialBackoff bool
}

func (o RetryOptions) strategy() retry.Strategy {
	if o.Attempts <= 0 {
		return nil
	}
	if o.ExponentialBackoff {
		return retry.Exponential(o.Attempts, o.Delay, 2)
	}
	return retry.Interval(o.Attempts, o.Delay)
}

// retryingRepository applies the retry options uniformly to all operations.
// ErrVersionConflict is never retried here: replaying Save against a stale
// in-memory instance cannot succeed, the caller must reload first.
type retryingRepository struct {
	inner    Repository
	strategy retry.Strategy
}

// WithRetry wraps a repository so every operation retries per the options.
func WithRetry(inner Repository, opts RetryOptions) Repository {
	s := opts.strategy()
	if s == nil {
		return inner
	}
	return &retryingRepository{inner: inner, strategy: s}
}

func (r *retryingRepository) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.strategy, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	var re *retry.Error
	if errors.As(err, &re) {
		return re.Err
	}
	if errors.Is(err, ErrVersionConflict) {
		// Strip the permanent marker: the conflict stays transient for
		// the pipeline, which reloads on its next attempt.
		return ErrVersionConflict
	}
	return err
}

func (r *retryingRepository) FindByCorrelationID(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	err := r.do(ctx, func(ctx context.Context) error {
		var findErr error
		inst, findErr = r.inner.FindByCorrelationID(ctx, id)
		return findErr
	})
	return inst, err
}

func (r *retryingRepository) Save(ctx context.Context, inst Instance) error {
	return r.do(ctx, func(ctx context.Context) error { return r.inner.Save(ctx, inst) })
}

func (r *retryingRepository) Delete(ctx context.Context, id string) error {
	return r.do(ctx, func(ctx context.Context) error { return r.inner.Delete(ctx, id) })
}

func (r *retryingRepository) Archive(ctx context.Context, id string) error {
	return r.do(ctx, func(ctx context.Context) error { return r.inner.Archive(ctx, id) })
}

func (r *retryingRepository) FindByState(ctx context.Context, state string) ([]Instance, error) {
	var out []Instance
	err := r.do(ctx, func(ctx context.Context) error {
		var findErr error
		out, findErr = r.inner.FindByState(ctx, state)
		return findErr
	})
	return out, err
}

func (r *retryingRepository) Find(ctx context.Context, query map[string]any) ([]Instance, error) {
	var out []Instance
	err := r.do(ctx, func(ctx context.Context) error {
		var findErr error
		out, findErr = r.inner.Find(ctx, query)
		return findErr
	})
	return out, err
}

func (r *retryingRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		var countErr error
		n, countErr = r.inner.Count(ctx)
		return countErr
	})
	return n, err
}
