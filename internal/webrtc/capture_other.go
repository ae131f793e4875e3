//go:build !linux

package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"coachhome/callkit/internal/domain"
)

// newMediaPC builds a receive-only peer connection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux), so other platforms negotiate recvonly m-lines only.
func newMediaPC(opts domain.MediaOptions, servers []pion.ICEServer, log logging.LeveledLogger) (*pion.PeerConnection, func(), error) {
	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register codecs: %w", err)
	}

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

	if err := addRecvOnlyTransceivers(pc); err != nil {
		pc.Close()
		return nil, nil, err
	}

	if opts.Audio || opts.Video {
		log.Warnf("local capture unavailable on this platform, proceeding receive-only")
	}
	return pc, nil, nil
}
