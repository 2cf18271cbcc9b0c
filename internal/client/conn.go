// Package client is the caller's side of a tunnel: it frames outgoing bytes
// for the proxy, dials tunnels and exposes them on local TCP ports.
package client

import (
	"github.com/1ureka/wsrelay/internal/protocol"
	"github.com/1ureka/wsrelay/internal/transport"
)

// Conn frames every message sent through it as a CHUNK. Reads, state, close
// and errors are those of the wrapped connection, unchanged. Bytes coming
// back from the proxy are raw and need no decoding.
type Conn struct {
	transport.Conn
}

// Compile-time interface check.
var _ transport.Conn = (*Conn)(nil)

// Wrap returns c with CHUNK framing on its send path. Wrapping a *Conn
// returns it as is, so data is never framed twice.
func Wrap(c transport.Conn) *Conn {
	if fc, ok := c.(*Conn); ok {
		return fc
	}
	return &Conn{Conn: c}
}

// Send forwards data to the target as one CHUNK frame.
func (c *Conn) Send(data []byte, done func(error)) error {
	return c.Conn.Send(protocol.Encode(protocol.CommandChunk, data), done)
}

// SetSocketOpt asks the proxy to configure the target's TCP socket. Nothing
// reports whether the option took effect; unknown options are ignored by
// the proxy.
func (c *Conn) SetSocketOpt(class, name, value uint8) error {
	opt := protocol.SocketOption{Class: class, Name: name, Value: value}
	return c.Conn.Send(protocol.EncodeSocketOpt(opt), nil)
}

// SetNoDelay is SetSocketOpt(IPPROTO_TCP, TCP_NODELAY, v).
func (c *Conn) SetNoDelay(v bool) error {
	return c.SetSocketOpt(protocol.IPProtoTCP, protocol.TCPNoDelay, boolByte(v))
}

// SetKeepAlive is SetSocketOpt(SOL_SOCKET, SO_KEEPALIVE, v).
func (c *Conn) SetKeepAlive(v bool) error {
	return c.SetSocketOpt(protocol.SolSocket, protocol.SoKeepAlive, boolByte(v))
}

// Unwrap returns the connection carrying the frames.
func (c *Conn) Unwrap() transport.Conn { return c.Conn }

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
