//go:build linux

package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"

	"coachhome/callkit/internal/domain"
)

// newMediaPC builds a peer connection with VP8+Opus codecs and captures the
// local camera/mic via pion/mediadevices. GetUserMedia fails as a unit when
// either requested track cannot be opened, so the attempts degrade from the
// full request down to single-kind captures before giving up.
func newMediaPC(opts domain.MediaOptions, servers []pion.ICEServer, log logging.LeveledLogger) (*pion.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &pion.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	if !opts.Audio && !opts.Video {
		if err := addRecvOnlyTransceivers(pc); err != nil {
			pc.Close()
			return nil, nil, err
		}
		return pc, nil, nil
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{opts.Video, opts.Audio, "requested"},
		{opts.Video, false, "video-only"},
		{false, opts.Audio, "audio-only"},
	}

	var lastErr error
	seen := map[string]bool{}
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}
		key := fmt.Sprintf("%t/%t", a.video, a.audio)
		if seen[key] {
			continue
		}
		seen[key] = true

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. MJPEG camera nodes can feed malformed
				// frames into the VP8 encoder and break negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Errorf("add track: %v", err)
			}
		}

		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	pc.Close()
	return nil, nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, lastErr)
}
