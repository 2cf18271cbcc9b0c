package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/wsrelay/internal/transport"
)

// DefaultTimeout bounds a whole exchange when ctx carries no deadline.
const DefaultTimeout = 15 * time.Second

// Offer performs the caller side of the exchange:
//   - Create an offer and wait for ICE gathering to complete
//   - Send the offer over ws
//   - Receive the answer and apply it
//
// A close frame received instead of the answer is returned as
// *transport.CloseError.
func Offer(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, offer); err != nil {
		return err
	}
	if err := send(ctx, ws, Message{Type: MsgTypeOffer, SDP: pc.LocalDescription().SDP}); err != nil {
		return err
	}

	msg, err := receive(ctx, ws)
	if err != nil {
		return err
	}
	if msg.Type != MsgTypeAnswer {
		return fmt.Errorf("expected %s, got %q", MsgTypeAnswer, msg.Type)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	return nil
}

// Answer performs the proxy side of the exchange:
//   - Receive the offer and apply it
//   - Create an answer and wait for ICE gathering to complete
//   - Send the answer over ws
func Answer(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	msg, err := receive(ctx, ws)
	if err != nil {
		return err
	}
	if msg.Type != MsgTypeOffer {
		return fmt.Errorf("expected %s, got %q", MsgTypeOffer, msg.Type)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, answer); err != nil {
		return err
	}
	return send(ctx, ws, Message{Type: MsgTypeAnswer, SDP: pc.LocalDescription().SDP})
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

// setLocalAndGather applies sdp and blocks until every local candidate is
// part of the local description.
func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, sdp webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	select {
	case <-gatherComplete:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
}

func send(ctx context.Context, ws *websocket.Conn, msg Message) error {
	deadline, _ := ctx.Deadline()
	ws.SetWriteDeadline(deadline)
	defer ws.SetWriteDeadline(time.Time{})
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func receive(ctx context.Context, ws *websocket.Conn) (Message, error) {
	deadline, _ := ctx.Deadline()
	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Message{}, &transport.CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return Message{}, fmt.Errorf("failed to read signaling message: %w", err)
	}
	return msg, nil
}
