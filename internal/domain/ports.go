package domain

import "context"

// Subscription is a live change feed registration. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// SignalStore is the shared, eventually-consistent store the two
// participants exchange signaling state through. Change subscriptions
// deliver at least once and may re-deliver values already seen; consumers
// must be idempotent. Per-partition candidate delivery order is preserved.
type SignalStore interface {
	// Create inserts a new call record. This is the "place call" action.
	Create(ctx context.Context, rec CallRecord) error

	// Get returns the record for id or ErrRecordNotFound.
	Get(ctx context.Context, id string) (CallRecord, error)

	// Update applies a partial update to the record. Transient failures
	// are reported as ErrUnavailable.
	Update(ctx context.Context, id string, patch RecordPatch) error

	// Subscribe delivers every observed value of the record, starting with
	// the current one, until cancelled.
	Subscribe(ctx context.Context, id string, onChange func(CallRecord)) (Subscription, error)

	// AppendCandidate appends one candidate to the given partition.
	AppendCandidate(ctx context.Context, id string, part Partition, cand ICECandidate) error

	// SubscribeCandidates delivers each item of the partition at least
	// once, in append order, including items appended before the
	// subscription was established.
	SubscribeCandidates(ctx context.Context, id string, part Partition, onAppend func(ICECandidate)) (Subscription, error)

	// PurgeCandidates removes all items from the partition. Best-effort
	// teardown hygiene.
	PurgeCandidates(ctx context.Context, id string, part Partition) error
}

// MediaOptions selects which local tracks to acquire and which ICE servers
// the peer connection uses.
type MediaOptions struct {
	Audio      bool
	Video      bool
	ICEServers []ICEServer
}

// MediaEngine produces media sessions. The production implementation wraps
// Pion; tests substitute fakes.
type MediaEngine interface {
	NewSession(ctx context.Context, opts MediaOptions) (MediaSession, error)
}

// MediaSession is one peer connection with its local tracks. Callbacks are
// registered before negotiation starts and fire on the engine's own
// goroutines; consumers must funnel them into their own execution context.
type MediaSession interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(sd SessionDescription) error
	SetRemoteDescription(sd SessionDescription) error
	AddICECandidate(cand ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(RemoteTrack))
	// Close closes the peer connection and then releases local tracks.
	// Idempotent.
	Close() error
}

// RemoteTrack is a handle to an arrived remote media track, passed to the UI
// for rendering.
type RemoteTrack interface {
	ID() string
	Kind() string
}
