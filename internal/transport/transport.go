// Package transport provides the message-oriented connections a tunnel runs
// over. A Conn delivers whole messages in order; the WebSocket and WebRTC
// DataChannel variants share the same close-code semantics.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// State mirrors the WebSocket readyState values.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Close codes used by the tunnel.
const (
	CloseNormal       = 1000 // target closed its side cleanly
	CloseGoingAway    = 1001 // proxy shutting down
	CloseAbnormal     = 1006 // peer vanished without a close code; never sent
	CloseTunnelFailed = 3000 // invalid request, unreachable target, protocol error
)

// Tuning constants.
const (
	DefaultSendQueue      = 64               // outgoing message queue capacity
	DefaultMaxMessageSize = 1 << 20          // inbound message size limit
	DefaultWriteTimeout   = 10 * time.Second // per-message write deadline
	closeGrace            = time.Second      // wait for the peer's close reply
)

// ErrClosed is returned by Send once the connection is closing or closed.
var ErrClosed = errors.New("transport closed")

// CloseError is returned by ReadMessage when the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport closed with code %d", e.Code)
	}
	return fmt.Sprintf("transport closed with code %d: %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from an error returned by ReadMessage.
// It returns CloseAbnormal for any other non-nil error and 0 for nil.
func CloseCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// Conn is a bidirectional, ordered, message-based connection.
//
// ReadMessage must be called from a single goroutine. Send and Close are safe
// for concurrent use.
type Conn interface {
	// ReadMessage blocks for the next inbound message.
	ReadMessage() ([]byte, error)

	// Send queues data as one outbound message. It returns ErrClosed
	// synchronously when the connection is no longer open; otherwise done (if
	// non-nil) is invoked once the message was written or failed.
	Send(data []byte, done func(error)) error

	// State reports the current connection state.
	State() State

	// Close flushes queued messages, sends the close code and releases the
	// connection. Calling Close more than once is a no-op.
	Close(code int, reason string) error

	// RemoteAddr returns the peer's address.
	RemoteAddr() net.Addr
}

// Options tunes a Conn.
type Options struct {
	SendQueue      int
	MaxMessageSize int64
	WriteTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}
