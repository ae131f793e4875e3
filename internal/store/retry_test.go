package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"coachhome/callkit/internal/domain"
)

// flakyStore fails every operation with a configured error until the failure
// budget runs out, then delegates to an in-memory store.
type flakyStore struct {
	*Memory
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, id string) (domain.CallRecord, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return domain.CallRecord{}, f.err
	}
	return f.Memory.Get(ctx, id)
}

func (f *flakyStore) PurgeCandidates(ctx context.Context, id string, part domain.Partition) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.Memory.PurgeCandidates(ctx, id, part)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	inner := &flakyStore{
		Memory:   NewMemory(),
		failures: 2,
		err:      fmt.Errorf("backend down: %w", domain.ErrUnavailable),
	}
	seedMemory(t, inner.Memory, "c1")

	st := WithRetry(inner, 3)
	rec, err := st.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ID != "c1" {
		t.Errorf("record = %+v", rec)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyStore{
		Memory:   NewMemory(),
		failures: 5,
		err:      domain.ErrRecordNotFound,
	}

	st := WithRetry(inner, 3)
	if _, err := st.Get(context.Background(), "c1"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryExhaustionSurfacesLastError(t *testing.T) {
	inner := &flakyStore{
		Memory:   NewMemory(),
		failures: 100,
		err:      domain.ErrUnavailable,
	}

	st := WithRetry(inner, 2)
	if _, err := st.Get(context.Background(), "c1"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	// One initial attempt plus two retries.
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrySkipsPurge(t *testing.T) {
	inner := &flakyStore{
		Memory:   NewMemory(),
		failures: 1,
		err:      domain.ErrUnavailable,
	}

	st := WithRetry(inner, 3)
	if err := st.PurgeCandidates(context.Background(), "c1", domain.PartitionOfferer); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}
