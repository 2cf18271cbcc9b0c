package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla WebSocket connection to Conn. Outbound messages
// are binary; inbound text and binary messages are both accepted.
type WebSocket struct {
	ws   *websocket.Conn
	opts Options

	state  atomic.Int32
	sender *sender

	reading  atomic.Bool
	readDone chan struct{}
	readOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// Compile-time interface check.
var _ Conn = (*WebSocket)(nil)

// NewWebSocket wraps an established WebSocket connection.
func NewWebSocket(ws *websocket.Conn, opts Options) *WebSocket {
	opts = opts.withDefaults()
	ws.SetReadLimit(opts.MaxMessageSize)

	c := &WebSocket{
		ws:       ws,
		opts:     opts,
		readDone: make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	c.sender = newSender(opts.SendQueue, c.write)
	return c
}

// DialWebSocket opens a WebSocket connection to rawURL.
func DialWebSocket(ctx context.Context, rawURL string, opts Options) (*WebSocket, error) {
	ws, err := DialUpgrade(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(ws, opts), nil
}

// DialUpgrade dials rawURL and returns the raw WebSocket. A rejected
// handshake becomes an error carrying the HTTP status.
func DialUpgrade(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, fmt.Errorf("failed to connect to %s: %s", rawURL, resp.Status)
			}
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	return ws, nil
}

func (c *WebSocket) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// ReadMessage returns the next inbound message. A close frame from the peer
// is reported as *CloseError.
func (c *WebSocket) ReadMessage() ([]byte, error) {
	c.reading.Store(true)
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.readOnce.Do(func() { close(c.readDone) })
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		return nil, translateReadError(err)
	}
	return data, nil
}

func translateReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("websocket read: %w", err)
}

// Send queues data as a binary message.
func (c *WebSocket) Send(data []byte, done func(error)) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	return c.sender.send(outgoing{data: data, done: done})
}

// State reports the connection state.
func (c *WebSocket) State() State {
	return State(c.state.Load())
}

// Close flushes queued messages, sends a close frame with code and waits
// briefly for the peer's reply before dropping the connection.
func (c *WebSocket) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.sender.stop()

		msg := websocket.FormatCloseMessage(code, reason)
		err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
		if err == nil {
			if c.reading.CompareAndSwap(false, true) {
				go c.drain()
			}
			select {
			case <-c.readDone:
			case <-time.After(closeGrace):
			}
		}

		c.closeErr = c.ws.Close()
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}

// drain consumes inbound frames until the peer answers the close frame.
// It only runs when nobody else is reading.
func (c *WebSocket) drain() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.readOnce.Do(func() { close(c.readDone) })
			return
		}
	}
}

// RemoteAddr returns the peer's address.
func (c *WebSocket) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
