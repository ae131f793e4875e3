// Package call drives the signaling state machine for one audio/video call:
// role resolution, offer/answer exchange through the signaling store,
// trickle-ICE candidate relay, and teardown on every exit path.
package call

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"coachhome/callkit/internal/domain"
)

// State is the coordinator's internal lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateNegotiating
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state machine has stopped.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Phase is what the UI renders on the status stream.
type Phase string

const (
	PhaseConnecting  Phase = "connecting"
	PhaseRinging     Phase = "ringing"
	PhaseNegotiating Phase = "negotiating"
	PhaseConnected   Phase = "connected"
	PhaseDeclined    Phase = "declined"
	PhaseEnded       Phase = "ended"
	PhaseFailed      Phase = "failed"
)

// Update is one emission on the status stream. Reason is set only for
// PhaseFailed.
type Update struct {
	Phase  Phase
	Reason error
}

// Options configures a Coordinator.
type Options struct {
	// Media selects local tracks and ICE servers.
	Media domain.MediaOptions

	// OfferWaitTimeout bounds how long the receiver waits for the
	// caller's offer to appear. Zero means the 30s default.
	OfferWaitTimeout time.Duration

	// LoggerFactory provides component loggers; nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

const defaultOfferWaitTimeout = 30 * time.Second

type eventKind int

const (
	evRecord eventKind = iota
	evRemoteCandidate
	evLocalCandidate
	evTrack
	evHangup
	evFatal
)

type event struct {
	kind  eventKind
	rec   domain.CallRecord
	cand  domain.ICECandidate
	track domain.RemoteTrack
	err   error
}

// Coordinator negotiates one call session. All state transitions happen on
// the run goroutine; external callbacks only enqueue events.
type Coordinator struct {
	store  domain.SignalStore
	engine domain.MediaEngine
	opts   Options
	log    logging.LeveledLogger

	events       chan event
	updates      chan Update
	remoteTracks chan domain.RemoteTrack
	done         chan struct{}
	started      atomic.Bool

	// Everything below is owned by the run goroutine.
	state         State
	callID        string
	role          domain.Role
	remoteID      string
	rec           domain.CallRecord
	session       domain.MediaSession
	subs          []domain.Subscription
	remoteDescSet bool
	pending       []domain.ICECandidate
	gotTrack      bool
	torn          bool
}

// New creates a Coordinator. It does nothing until Start is called.
func New(store domain.SignalStore, engine domain.MediaEngine, opts Options) *Coordinator {
	if opts.OfferWaitTimeout <= 0 {
		opts.OfferWaitTimeout = defaultOfferWaitTimeout
	}
	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Coordinator{
		store:        store,
		engine:       engine,
		opts:         opts,
		log:          lf.NewLogger("call"),
		events:       make(chan event, 64),
		updates:      make(chan Update, 8),
		remoteTracks: make(chan domain.RemoteTrack, 4),
		done:         make(chan struct{}),
		state:        StateIdle,
	}
}

// Updates is the status stream. It is closed once a terminal phase has been
// emitted; each terminal phase is emitted exactly once.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

// RemoteTracks delivers remote media track handles for rendering.
func (c *Coordinator) RemoteTracks() <-chan domain.RemoteTrack {
	return c.remoteTracks
}

// Done is closed when the coordinator has fully stopped and released its
// resources.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Start begins negotiating the call. It returns immediately; progress and
// errors are reported on the status stream. Calling Start again is a no-op.
func (c *Coordinator) Start(ctx context.Context, callID, localID string) {
	if !c.started.CompareAndSwap(false, true) {
		c.log.Warnf("duplicate Start for call %s ignored", callID)
		return
	}
	go c.run(ctx, callID, localID)
}

// Hangup requests a local hangup. Safe to call from any goroutine, any
// number of times, in any state.
func (c *Coordinator) Hangup() {
	if !c.started.Load() {
		// Nothing running; mark started so a later Start is a no-op.
		if c.started.CompareAndSwap(false, true) {
			c.state = StateEnded
			close(c.updates)
			close(c.remoteTracks)
			close(c.done)
		}
		return
	}
	c.enqueue(event{kind: evHangup})
}

func (c *Coordinator) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) run(ctx context.Context, callID, localID string) {
	defer close(c.done)
	defer close(c.remoteTracks)
	defer close(c.updates)

	c.callID = callID
	c.state = StateStarting
	c.emit(PhaseConnecting, nil)

	rec, err := c.store.Get(ctx, callID)
	if err != nil {
		c.fail(fmt.Errorf("read call record: %w", err))
		return
	}
	c.rec = rec
	c.role, c.remoteID = domain.ResolveRole(rec, localID)
	c.log.Infof("call %s: resolved role %s, remote participant %s", callID, c.role, c.remoteID)

	session, err := c.engine.NewSession(ctx, c.opts.Media)
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err))
		return
	}
	c.session = session

	session.OnICECandidate(func(cand domain.ICECandidate) {
		c.enqueue(event{kind: evLocalCandidate, cand: cand})
	})
	session.OnTrack(func(t domain.RemoteTrack) {
		c.enqueue(event{kind: evTrack, track: t})
	})

	recSub, err := c.store.Subscribe(ctx, callID, func(r domain.CallRecord) {
		c.enqueue(event{kind: evRecord, rec: r})
	})
	if err != nil {
		c.fail(fmt.Errorf("subscribe call record: %w", err))
		return
	}
	c.subs = append(c.subs, recSub)

	candSub, err := c.store.SubscribeCandidates(ctx, callID, c.role.Other().Partition(), func(cand domain.ICECandidate) {
		c.enqueue(event{kind: evRemoteCandidate, cand: cand})
	})
	if err != nil {
		c.fail(fmt.Errorf("subscribe candidates: %w", err))
		return
	}
	c.subs = append(c.subs, candSub)

	c.state = StateNegotiating

	if c.role == domain.RoleCaller {
		if err := c.sendOffer(ctx); err != nil {
			c.fail(err)
			return
		}
	}
	c.emit(PhaseRinging, nil)

	// The receiver bounds its wait for the offer; without this a caller
	// that never connects would leave the receiver hanging forever.
	var offerTimeout <-chan time.Time
	if c.role == domain.RoleReceiver {
		timer := time.NewTimer(c.opts.OfferWaitTimeout)
		defer timer.Stop()
		offerTimeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			// Unmount path: the screen went away.
			c.teardown(endReasonCancelled)
			c.state = StateEnded
			c.emit(PhaseEnded, nil)
			return

		case <-offerTimeout:
			if !c.remoteDescSet {
				c.fail(domain.ErrOfferTimeout)
				return
			}

		case ev := <-c.events:
			if done := c.handle(ctx, ev); done {
				return
			}
		}
	}
}

// handle processes one event; it returns true once the run loop should stop.
func (c *Coordinator) handle(ctx context.Context, ev event) bool {
	if c.state.Terminal() {
		return true
	}
	switch ev.kind {
	case evRecord:
		return c.handleRecord(ctx, ev.rec)

	case evRemoteCandidate:
		c.handleRemoteCandidate(ev.cand)

	case evLocalCandidate:
		if err := c.store.AppendCandidate(ctx, c.callID, c.role.Partition(), ev.cand); err != nil {
			c.fail(fmt.Errorf("append candidate: %w", err))
			return true
		}

	case evTrack:
		select {
		case c.remoteTracks <- ev.track:
		default:
			c.log.Warnf("call %s: remote track handle dropped, stream not drained", c.callID)
		}
		if !c.gotTrack {
			c.gotTrack = true
			c.state = StateConnected
			c.emit(PhaseConnected, nil)
		}

	case evHangup:
		c.teardown(endReasonLocalHangup)
		c.state = StateEnded
		c.emit(PhaseEnded, nil)
		return true

	case evFatal:
		c.fail(ev.err)
		return true
	}
	return false
}

func (c *Coordinator) handleRecord(ctx context.Context, rec domain.CallRecord) bool {
	c.rec = rec

	if rec.Status.Terminal() {
		c.teardown(endReasonRemote)
		c.state = StateEnded
		if rec.Status == domain.StatusDeclined {
			c.emit(PhaseDeclined, nil)
		} else {
			c.emit(PhaseEnded, nil)
		}
		return true
	}

	switch c.role {
	case domain.RoleReceiver:
		if !c.remoteDescSet && rec.Offer != nil {
			if err := c.applyRemoteDescription(*rec.Offer); err != nil {
				c.fail(err)
				return true
			}
			if err := c.sendAnswer(ctx); err != nil {
				c.fail(err)
				return true
			}
		}
	case domain.RoleCaller:
		if !c.remoteDescSet && rec.Answer != nil {
			if err := c.applyRemoteDescription(*rec.Answer); err != nil {
				c.fail(err)
				return true
			}
		}
	}
	return false
}

// applyRemoteDescription sets the remote description and flushes candidates
// buffered while it was missing, preserving their arrival order.
func (c *Coordinator) applyRemoteDescription(sd domain.SessionDescription) error {
	if err := c.session.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.remoteDescSet = true
	c.emit(PhaseNegotiating, nil)

	for _, cand := range c.pending {
		c.addCandidate(cand)
	}
	c.pending = nil
	return nil
}

func (c *Coordinator) handleRemoteCandidate(cand domain.ICECandidate) {
	// Candidates observed before the remote description must be buffered:
	// the negotiation machinery rejects them until it is set.
	if !c.remoteDescSet {
		c.pending = append(c.pending, cand)
		return
	}
	c.addCandidate(cand)
}

func (c *Coordinator) addCandidate(cand domain.ICECandidate) {
	if err := c.session.AddICECandidate(cand); err != nil {
		// A single bad or late candidate is dropped, not fatal.
		c.log.Warnf("call %s: dropping candidate: %v", c.callID, err)
	}
}

// sendOffer creates and publishes the caller's offer. The write is skipped
// when the record already carries one, so duplicate delivery of the start
// path never produces a second offer.
func (c *Coordinator) sendOffer(ctx context.Context) error {
	offer, err := c.session.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.session.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if c.rec.Offer != nil {
		c.log.Infof("call %s: offer already published, skipping write", c.callID)
		return nil
	}
	status := domain.StatusRinging
	if err := c.store.Update(ctx, c.callID, domain.RecordPatch{Offer: &offer, Status: &status}); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

// sendAnswer creates and publishes the receiver's answer together with the
// accepted status, with the same write-once discipline as sendOffer.
func (c *Coordinator) sendAnswer(ctx context.Context) error {
	answer, err := c.session.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.session.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if c.rec.Answer != nil {
		c.log.Infof("call %s: answer already published, skipping write", c.callID)
		return nil
	}
	status := domain.StatusAccepted
	if err := c.store.Update(ctx, c.callID, domain.RecordPatch{Answer: &answer, Status: &status}); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

func (c *Coordinator) fail(err error) {
	if c.state.Terminal() {
		return
	}
	c.log.Errorf("call %s: %v", c.callID, err)
	c.teardown(endReasonError)
	c.state = StateFailed
	c.emit(PhaseFailed, err)
}

// emit pushes one update. The channel is sized for the full monotonic phase
// sequence, so a slow UI can never block the state machine.
func (c *Coordinator) emit(phase Phase, reason error) {
	select {
	case c.updates <- Update{Phase: phase, Reason: reason}:
	default:
		c.log.Warnf("call %s: update %s dropped, stream not drained", c.callID, phase)
	}
}
