// Package signaling performs the SDP exchange that sets up the WebRTC
// DataChannel variant of a tunnel. Both descriptions are sent complete
// (vanilla ICE), so a single offer/answer round trip suffices.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer  MessageType = "offer"
	MsgTypeAnswer MessageType = "answer"
)

// Message is the JSON structure exchanged over the WebSocket during signaling.
type Message struct {
	Type MessageType `json:"type"`
	SDP  string      `json:"sdp,omitempty"`
}
