package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"coachhome/callkit/internal/domain"
)

func seedMemory(t *testing.T, m *Memory, id string) domain.CallRecord {
	t.Helper()
	rec := domain.CallRecord{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: "bob",
		Status:     domain.StatusRinging,
	}
	if err := m.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestMemoryCreateGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	rec, err := m.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CallerID != "alice" || rec.Status != domain.StatusRinging {
		t.Errorf("record = %+v", rec)
	}

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("missing record err = %v, want ErrRecordNotFound", err)
	}

	if err := m.Create(ctx, domain.CallRecord{ID: "c1"}); err == nil {
		t.Error("duplicate create did not fail")
	}
}

func TestMemoryUpdateWriteOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0 a"}
	if err := m.Update(ctx, "c1", domain.RecordPatch{Offer: &offer}); err != nil {
		t.Fatalf("first offer write: %v", err)
	}

	// Identical rewrite is a no-op, a different value is rejected.
	if err := m.Update(ctx, "c1", domain.RecordPatch{Offer: &offer}); err != nil {
		t.Errorf("identical rewrite: %v", err)
	}
	other := domain.SessionDescription{Type: "offer", SDP: "v=0 b"}
	if err := m.Update(ctx, "c1", domain.RecordPatch{Offer: &other}); !errors.Is(err, domain.ErrDescriptionSet) {
		t.Errorf("overwrite err = %v, want ErrDescriptionSet", err)
	}
}

func TestMemoryUpdateTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	ended := domain.StatusEnded
	if err := m.Update(ctx, "c1", domain.RecordPatch{Status: &ended}); err != nil {
		t.Fatalf("ringing -> ended: %v", err)
	}

	accepted := domain.StatusAccepted
	if err := m.Update(ctx, "c1", domain.RecordPatch{Status: &accepted}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("ended -> accepted err = %v, want ErrInvalidTransition", err)
	}
}

func TestMemorySubscribeDeliversCurrentThenChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	var seen []domain.CallStatus
	sub, err := m.Subscribe(ctx, "c1", func(r domain.CallRecord) {
		seen = append(seen, r.Status)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	accepted := domain.StatusAccepted
	if err := m.Update(ctx, "c1", domain.RecordPatch{Status: &accepted}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(seen) != 2 || seen[0] != domain.StatusRinging || seen[1] != domain.StatusAccepted {
		t.Errorf("deliveries = %v", seen)
	}

	sub.Cancel()
	ended := domain.StatusEnded
	if err := m.Update(ctx, "c1", domain.RecordPatch{Status: &ended}); err != nil {
		t.Fatalf("update after cancel: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("delivery after cancel: %v", seen)
	}
}

func TestMemoryCandidateBacklogAndOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	for i := 0; i < 3; i++ {
		cand := domain.ICECandidate{Candidate: fmt.Sprintf("early-%d", i)}
		if err := m.AppendCandidate(ctx, "c1", domain.PartitionOfferer, cand); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var seen []string
	sub, err := m.SubscribeCandidates(ctx, "c1", domain.PartitionOfferer, func(c domain.ICECandidate) {
		seen = append(seen, c.Candidate)
	})
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	defer sub.Cancel()

	if err := m.AppendCandidate(ctx, "c1", domain.PartitionOfferer, domain.ICECandidate{Candidate: "live-0"}); err != nil {
		t.Fatalf("append live: %v", err)
	}

	want := []string{"early-0", "early-1", "early-2", "live-0"}
	if len(seen) != len(want) {
		t.Fatalf("deliveries = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", seen, want)
		}
	}
}

func TestMemoryPartitionsAreIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	var seen []string
	_, err := m.SubscribeCandidates(ctx, "c1", domain.PartitionAnswerer, func(c domain.ICECandidate) {
		seen = append(seen, c.Candidate)
	})
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}

	if err := m.AppendCandidate(ctx, "c1", domain.PartitionOfferer, domain.ICECandidate{Candidate: "wrong-side"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("cross-partition delivery: %v", seen)
	}
}

func TestMemoryPurgeCandidates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMemory(t, m, "c1")

	if err := m.AppendCandidate(ctx, "c1", domain.PartitionOfferer, domain.ICECandidate{Candidate: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.PurgeCandidates(ctx, "c1", domain.PartitionOfferer); err != nil {
		t.Fatalf("purge: %v", err)
	}

	// A new subscriber sees no backlog after the purge.
	var seen []string
	_, err := m.SubscribeCandidates(ctx, "c1", domain.PartitionOfferer, func(c domain.ICECandidate) {
		seen = append(seen, c.Candidate)
	})
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("backlog after purge: %v", seen)
	}
}
