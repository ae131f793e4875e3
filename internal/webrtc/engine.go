// Package webrtc implements the media engine contract on top of Pion:
// peer connection lifecycle, SDP conversion, trickle-ICE callbacks, and
// local capture where the platform supports it.
package webrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"coachhome/callkit/internal/domain"
)

// Engine creates Pion-backed media sessions.
type Engine struct {
	log logging.LeveledLogger
}

// NewEngine creates an Engine; nil factory uses the pion default.
func NewEngine(lf logging.LoggerFactory) *Engine {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Engine{log: lf.NewLogger("webrtc")}
}

// NewSession builds a peer connection and acquires the requested local
// tracks. Capture failure when media was requested surfaces as a media
// acquisition error to the caller.
func (e *Engine) NewSession(_ context.Context, opts domain.MediaOptions) (domain.MediaSession, error) {
	pc, stopCapture, err := newMediaPC(opts, toPionICEServers(opts.ICEServers), e.log)
	if err != nil {
		return nil, err
	}

	s := &Session{pc: pc, stopCapture: stopCapture, log: e.log}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		e.log.Debugf("ICE connection state: %s", state.String())
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		e.log.Debugf("peer connection state: %s", state.String())
	})

	return s, nil
}

// Session wraps one Pion PeerConnection with its local capture.
type Session struct {
	pc          *pion.PeerConnection
	stopCapture func()
	log         logging.LeveledLogger

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) CreateOffer() (domain.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (s *Session) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (s *Session) SetLocalDescription(sd domain.SessionDescription) error {
	if err := s.pc.SetLocalDescription(toPionDescription(sd)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (s *Session) SetRemoteDescription(sd domain.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(toPionDescription(sd)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (s *Session) AddICECandidate(cand domain.ICECandidate) error {
	mid := cand.SDPMid
	mLineIndex := uint16(cand.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mLineIndex,
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (s *Session) OnICECandidate(fn func(domain.ICECandidate)) {
	s.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			s.log.Debugf("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			s.log.Debugf("filtering loopback ICE candidate")
			return
		}
		cand := domain.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		fn(cand)
	})
}

func (s *Session) OnTrack(fn func(domain.RemoteTrack)) {
	s.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		s.log.Infof("got track: kind=%s id=%s", track.Kind().String(), track.ID())
		// Keep the RTP flow drained; rendering is the UI layer's concern.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
		fn(remoteTrack{id: track.ID(), kind: track.Kind().String()})
	})
}

// Close shuts down the peer connection first, then releases local tracks.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
		if s.stopCapture != nil {
			s.stopCapture()
		}
	})
	return s.closeErr
}

type remoteTrack struct {
	id   string
	kind string
}

func (t remoteTrack) ID() string   { return t.id }
func (t remoteTrack) Kind() string { return t.kind }

func toPionICEServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func toPionDescription(sd domain.SessionDescription) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(sd.Type), SDP: sd.SDP}
}

func fromPionDescription(sd pion.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}

var (
	_ domain.MediaEngine  = (*Engine)(nil)
	_ domain.MediaSession = (*Session)(nil)
)
