package webrtc

import (
	"fmt"

	pion "github.com/pion/webrtc/v4"
)

// addRecvOnlyTransceivers ensures the SDP carries valid audio and video
// m-lines with ICE credentials even when no local tracks were added.
func addRecvOnlyTransceivers(pc *pion.PeerConnection) error {
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeVideo, pion.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind.String(), err)
		}
	}
	return nil
}
