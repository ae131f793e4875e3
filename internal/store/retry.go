package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"coachhome/callkit/internal/domain"
)

// WithRetry wraps a SignalStore so that operations failing with
// domain.ErrUnavailable are retried with bounded exponential backoff. Any
// other error is returned immediately. Once attempts are exhausted the last
// error surfaces to the caller, which treats it as fatal.
func WithRetry(inner domain.SignalStore, maxRetries uint64) domain.SignalStore {
	return &retryStore{inner: inner, maxRetries: maxRetries}
}

type retryStore struct {
	inner      domain.SignalStore
	maxRetries uint64
}

func (r *retryStore) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, domain.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
}

func (r *retryStore) Create(ctx context.Context, rec domain.CallRecord) error {
	return r.retry(ctx, func() error { return r.inner.Create(ctx, rec) })
}

func (r *retryStore) Get(ctx context.Context, id string) (domain.CallRecord, error) {
	var rec domain.CallRecord
	err := r.retry(ctx, func() error {
		var err error
		rec, err = r.inner.Get(ctx, id)
		return err
	})
	return rec, err
}

func (r *retryStore) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	return r.retry(ctx, func() error { return r.inner.Update(ctx, id, patch) })
}

func (r *retryStore) Subscribe(ctx context.Context, id string, onChange func(domain.CallRecord)) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.retry(ctx, func() error {
		var err error
		sub, err = r.inner.Subscribe(ctx, id, onChange)
		return err
	})
	return sub, err
}

func (r *retryStore) AppendCandidate(ctx context.Context, id string, part domain.Partition, cand domain.ICECandidate) error {
	return r.retry(ctx, func() error { return r.inner.AppendCandidate(ctx, id, part, cand) })
}

func (r *retryStore) SubscribeCandidates(ctx context.Context, id string, part domain.Partition, onAppend func(domain.ICECandidate)) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.retry(ctx, func() error {
		var err error
		sub, err = r.inner.SubscribeCandidates(ctx, id, part, onAppend)
		return err
	})
	return sub, err
}

// PurgeCandidates is not retried: it is best-effort hygiene on the teardown
// path and must never delay call termination.
func (r *retryStore) PurgeCandidates(ctx context.Context, id string, part domain.Partition) error {
	return r.inner.PurgeCandidates(ctx, id, part)
}

var _ domain.SignalStore = (*retryStore)(nil)
