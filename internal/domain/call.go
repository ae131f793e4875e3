package domain

import "time"

// CallStatus is the shared lifecycle status of a call attempt.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAccepted CallStatus = "accepted"
	StatusDeclined CallStatus = "declined"
	StatusEnded    CallStatus = "ended"
)

// Terminal reports whether no further status transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

// ValidTransition reports whether a status write from one value to another is
// allowed. Writing the current value again is always allowed so that
// duplicate delivery of the same event stays a no-op.
func ValidTransition(from, to CallStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusRinging:
		return to == StatusAccepted || to == StatusDeclined || to == StatusEnded
	case StatusAccepted:
		return to == StatusDeclined || to == StatusEnded
	}
	return false
}

// CallRecord is the shared signaling document for one call attempt. It is
// written by exactly two parties: the caller owns the offer, the receiver
// owns the answer, and either may move the status forward.
type CallRecord struct {
	ID         string              `json:"id"`
	CallerID   string              `json:"callerId"`
	ReceiverID string              `json:"receiverId"`
	Status     CallStatus          `json:"status"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// RecordPatch is a partial update to a CallRecord. Nil fields are untouched.
type RecordPatch struct {
	Status *CallStatus
	Offer  *SessionDescription
	Answer *SessionDescription
}

// ApplyPatch applies p to rec under the shared-write discipline: offer and
// answer are write-once-from-empty (re-writing the identical value is a
// no-op, anything else fails with ErrDescriptionSet), and status writes must
// be valid transitions. The returned record has UpdatedAt bumped to now.
// Store backends that cannot enforce these rules server-side use this as the
// single arbiter of conflicting writes.
func ApplyPatch(rec CallRecord, p RecordPatch, now time.Time) (CallRecord, error) {
	if p.Offer != nil {
		if rec.Offer != nil && *rec.Offer != *p.Offer {
			return rec, ErrDescriptionSet
		}
		rec.Offer = p.Offer
	}
	if p.Answer != nil {
		if rec.Answer != nil && *rec.Answer != *p.Answer {
			return rec, ErrDescriptionSet
		}
		rec.Answer = p.Answer
	}
	if p.Status != nil {
		if !ValidTransition(rec.Status, *p.Status) {
			return rec, ErrInvalidTransition
		}
		rec.Status = *p.Status
	}
	rec.UpdatedAt = now
	return rec, nil
}

// Role identifies which side of the call the local participant is on.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleReceiver
	}
	return RoleCaller
}

// Partition returns the candidate partition this role appends to.
func (r Role) Partition() Partition {
	if r == RoleCaller {
		return PartitionOfferer
	}
	return PartitionAnswerer
}

// Partition names one of the two append-only candidate queues of a call.
type Partition string

const (
	PartitionOfferer  Partition = "offererCandidates"
	PartitionAnswerer Partition = "answererCandidates"
)

// Partitions lists both candidate partitions.
func Partitions() []Partition {
	return []Partition{PartitionOfferer, PartitionAnswerer}
}

// ResolveRole determines the local participant's role from the call record
// and returns it together with the other participant's id. The caller of the
// record is the offerer; everyone else answers.
func ResolveRole(rec CallRecord, localID string) (Role, string) {
	if localID == rec.CallerID {
		return RoleCaller, rec.ReceiverID
	}
	return RoleReceiver, rec.CallerID
}
