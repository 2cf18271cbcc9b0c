package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when no ICE servers are configured. No TURN: the
// DataChannel variant targets direct connectivity to the proxy.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTCOptions configures PeerConnections for the DataChannel variant.
type WebRTCOptions struct {
	ICEServers []string
	// IncludeLoopback adds loopback ICE candidates; required when proxy and
	// caller share a host without other interfaces (and in tests).
	IncludeLoopback bool
}

// NewPeerConnection creates a PeerConnection configured with the given ICE
// servers.
func NewPeerConnection(opts WebRTCOptions) (*webrtc.PeerConnection, error) {
	servers := opts.ICEServers
	if servers == nil {
		servers = DefaultICEServers
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	config := webrtc.Configuration{}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return api.NewPeerConnection(config)
}

// CreateDataChannel creates the single ordered, reliable "tunnel" channel.
// Ordering matters: the tunneled byte stream must reach the target in the
// order it was sent.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

// DataChannelLabel is the label of the tunnel DataChannel.
const DataChannelLabel = "tunnel"
