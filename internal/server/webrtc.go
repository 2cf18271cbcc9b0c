package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/wsrelay/internal/signaling"
	"github.com/1ureka/wsrelay/internal/transport"
	"github.com/1ureka/wsrelay/internal/tunnel"
	"github.com/1ureka/wsrelay/internal/util"
)

// RTCPath serves the DataChannel variant. The WebSocket opened there only
// carries signaling and the final close code.
const RTCPath = "/rtc"

// WebRTCOptions enables the DataChannel variant.
type WebRTCOptions struct {
	transport.WebRTCOptions

	// SignalTimeout bounds the offer/answer exchange plus the time until
	// the DataChannel opens.
	SignalTimeout time.Duration
}

// serveRTC negotiates a DataChannel with the caller and runs the session
// over it. The target is validated before any SDP is exchanged.
func (s *Server) serveRTC(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	log := util.With("peer", ws.RemoteAddr().String(), "transport", "webrtc")

	req, err := tunnel.ParseRequest(r.URL)
	if err != nil {
		log.Warn("rejected tunnel request", "error", err)
		s.opts.Recorder.Error(tunnel.ErrorKind(err))
		s.opts.Recorder.RequestRejected(transport.CloseTunnelFailed)
		closeSignal(ws, transport.CloseTunnelFailed, "invalid target")
		return
	}

	conn, err := s.negotiate(ws)
	if err != nil {
		log.Warn("failed to establish data channel", "target", req.Address(), "error", err)
		s.opts.Recorder.Error("transport")
		s.opts.Recorder.RequestRejected(transport.CloseTunnelFailed)
		if conn != nil {
			conn.Start()
			conn.Close(transport.CloseTunnelFailed, "signaling failed")
		} else {
			closeSignal(ws, transport.CloseTunnelFailed, "signaling failed")
		}
		return
	}

	log.Debug("data channel open", "target", req.Address())
	s.start(conn, req)
}

// negotiate answers the caller's offer and waits for its DataChannel. On
// error the returned DataChannel, if any, still owns ws and must be closed.
func (s *Server) negotiate(ws *websocket.Conn) (*transport.DataChannel, error) {
	timeout := s.opts.WebRTC.SignalTimeout
	if timeout <= 0 {
		timeout = signaling.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	pc, err := transport.NewPeerConnection(s.opts.WebRTC.WebRTCOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	announced := make(chan *transport.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != transport.DataChannelLabel {
			dc.Close()
			return
		}
		// Wrapping here, before the channel opens, keeps early messages.
		conn := transport.NewDataChannel(pc, dc, ws, s.opts.Transport)
		select {
		case announced <- conn:
		default:
			dc.Close()
		}
	})

	if err := signaling.Answer(ctx, ws, pc); err != nil {
		return discard(pc, announced), err
	}

	select {
	case conn := <-announced:
		conn.Start()
		if err := conn.WaitOpen(ctx); err != nil {
			return conn, fmt.Errorf("data channel did not open: %w", err)
		}
		return conn, nil
	case <-ctx.Done():
		return discard(pc, announced), fmt.Errorf("no data channel announced: %w", ctx.Err())
	}
}

// discard returns a DataChannel announced too late so the caller can close
// it, or closes pc when none was.
func discard(pc *webrtc.PeerConnection, announced <-chan *transport.DataChannel) *transport.DataChannel {
	select {
	case conn := <-announced:
		return conn
	default:
		pc.Close()
		return nil
	}
}

// closeSignal ends a signaling socket that never carried a DataChannel.
func closeSignal(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.Close()
}
