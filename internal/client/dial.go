package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/1ureka/wsrelay/internal/signaling"
	"github.com/1ureka/wsrelay/internal/transport"
)

// Transport variants.
const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
)

// RTCPath is where the proxy serves the DataChannel variant.
const RTCPath = "/rtc"

// Options selects and tunes the connection to the proxy. The variant is
// always explicit; nothing is inferred from the environment.
type Options struct {
	ProxyURL  string // ws:// or wss:// address of the proxy
	Transport string // TransportWebSocket (default) or TransportWebRTC
	Conn      transport.Options
	WebRTC    transport.WebRTCOptions
}

// TunnelURL returns the upgrade URL asking the proxy for host:port. The
// query is the only part of the URL the proxy interprets.
func TunnelURL(proxyURL, variant, host string, port uint16) (string, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid proxy URL %q: scheme must be ws or wss", proxyURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid proxy URL %q: missing host", proxyURL)
	}

	switch variant {
	case "", TransportWebSocket:
		if u.Path == "" {
			u.Path = "/"
		}
	case TransportWebRTC:
		u.Path = RTCPath
	default:
		return "", fmt.Errorf("unknown transport %q", variant)
	}

	u.RawQuery = url.Values{
		"host": {host},
		"port": {strconv.Itoa(int(port))},
	}.Encode()
	return u.String(), nil
}

// Dial opens a tunnel to host:port through the proxy. The returned Conn is
// open; a proxy that refuses the tunnel before any data was exchanged shows
// up as a *transport.CloseError from ReadMessage, or from Dial itself for
// the WebRTC variant.
func Dial(ctx context.Context, opts Options, host string, port uint16) (*Conn, error) {
	rawURL, err := TunnelURL(opts.ProxyURL, opts.Transport, host, port)
	if err != nil {
		return nil, err
	}

	if opts.Transport == TransportWebRTC {
		dc, err := dialDataChannel(ctx, rawURL, opts)
		if err != nil {
			return nil, err
		}
		return Wrap(dc), nil
	}

	ws, err := transport.DialWebSocket(ctx, rawURL, opts.Conn)
	if err != nil {
		return nil, err
	}
	return Wrap(ws), nil
}

// dialDataChannel negotiates a DataChannel over the signaling WebSocket at
// rawURL and waits for it to open.
func dialDataChannel(ctx context.Context, rawURL string, opts Options) (*transport.DataChannel, error) {
	ws, err := transport.DialUpgrade(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	pc, err := transport.NewPeerConnection(opts.WebRTC)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	dc, err := transport.CreateDataChannel(pc)
	if err != nil {
		pc.Close()
		ws.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	conn := transport.NewDataChannel(pc, dc, ws, opts.Conn)

	fail := func(err error) (*transport.DataChannel, error) {
		conn.Start()
		conn.Close(transport.CloseNormal, "")
		return nil, err
	}

	if err := signaling.Offer(ctx, ws, pc); err != nil {
		var ce *transport.CloseError
		if errors.As(err, &ce) {
			return fail(ce)
		}
		return fail(fmt.Errorf("signaling failed: %w", err))
	}

	conn.Start()
	if err := conn.WaitOpen(ctx); err != nil {
		return fail(fmt.Errorf("data channel did not open: %w", err))
	}
	return conn, nil
}
