package domain

import (
	"errors"
	"testing"
	"time"
)

func TestResolveRole(t *testing.T) {
	rec := CallRecord{ID: "c1", CallerID: "u1", ReceiverID: "u2"}

	role, remote := ResolveRole(rec, "u1")
	if role != RoleCaller || remote != "u2" {
		t.Errorf("expected caller/u2, got %s/%s", role, remote)
	}

	role, remote = ResolveRole(rec, "u2")
	if role != RoleReceiver || remote != "u1" {
		t.Errorf("expected receiver/u1, got %s/%s", role, remote)
	}
}

func TestRolePartitions(t *testing.T) {
	if RoleCaller.Partition() != PartitionOfferer {
		t.Error("caller must write the offerer partition")
	}
	if RoleReceiver.Partition() != PartitionAnswerer {
		t.Error("receiver must write the answerer partition")
	}
	if RoleCaller.Other() != RoleReceiver || RoleReceiver.Other() != RoleCaller {
		t.Error("Other must be complementary")
	}
}

func TestValidTransition(t *testing.T) {
	allowed := [][2]CallStatus{
		{StatusRinging, StatusAccepted},
		{StatusRinging, StatusDeclined},
		{StatusRinging, StatusEnded},
		{StatusAccepted, StatusDeclined},
		{StatusAccepted, StatusEnded},
		{StatusRinging, StatusRinging},
		{StatusEnded, StatusEnded},
	}
	for _, pair := range allowed {
		if !ValidTransition(pair[0], pair[1]) {
			t.Errorf("%s -> %s should be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]CallStatus{
		{StatusEnded, StatusRinging},
		{StatusEnded, StatusAccepted},
		{StatusDeclined, StatusEnded},
		{StatusDeclined, StatusAccepted},
		{StatusAccepted, StatusRinging},
	}
	for _, pair := range forbidden {
		if ValidTransition(pair[0], pair[1]) {
			t.Errorf("%s -> %s must be rejected", pair[0], pair[1])
		}
	}
}

func TestApplyPatchWriteOnceDescriptions(t *testing.T) {
	now := time.Now()
	rec := CallRecord{ID: "c1", Status: StatusRinging}
	offer := &SessionDescription{Type: "offer", SDP: "O1"}

	rec, err := ApplyPatch(rec, RecordPatch{Offer: offer}, now)
	if err != nil {
		t.Fatalf("first offer write: %v", err)
	}

	// Re-writing the identical offer is a no-op, not an error.
	rec, err = ApplyPatch(rec, RecordPatch{Offer: &SessionDescription{Type: "offer", SDP: "O1"}}, now)
	if err != nil {
		t.Fatalf("idempotent offer re-write: %v", err)
	}

	_, err = ApplyPatch(rec, RecordPatch{Offer: &SessionDescription{Type: "offer", SDP: "O2"}}, now)
	if !errors.Is(err, ErrDescriptionSet) {
		t.Fatalf("expected ErrDescriptionSet, got %v", err)
	}
}

func TestApplyPatchStatusGuards(t *testing.T) {
	now := time.Now()
	rec := CallRecord{ID: "c1", Status: StatusEnded}

	st := StatusAccepted
	_, err := ApplyPatch(rec, RecordPatch{Status: &st}, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	rec.Status = StatusRinging
	st = StatusAccepted
	updated, err := ApplyPatch(rec, RecordPatch{Status: &st}, now)
	if err != nil {
		t.Fatalf("ringing -> accepted: %v", err)
	}
	if updated.Status != StatusAccepted {
		t.Errorf("status not applied: %s", updated.Status)
	}
	if !updated.UpdatedAt.Equal(now) {
		t.Error("UpdatedAt not bumped")
	}
}
