// Package protocol defines the frame format spoken on the client→proxy
// direction of a tunnel. Every frame is a single transport message whose
// first byte selects the command.
package protocol

import "fmt"

// Command is the first byte of every client→proxy frame.
type Command uint8

// Command constants.
const (
	CommandChunk        Command = 0x01 // raw bytes for the TCP target
	CommandSetSocketOpt Command = 0x02 // [optionClass, optionName, value]
)

// HeaderSize is the fixed header size: Command(1).
const HeaderSize = 1

// SocketOptSize is the exact payload size of a SET_SOCKETOPT frame.
const SocketOptSize = 3

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandChunk:
		return "CHUNK"
	case CommandSetSocketOpt:
		return "SET_SOCKETOPT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(c))
	}
}

// Known reports whether c is a command the proxy understands.
func (c Command) Known() bool {
	return c == CommandChunk || c == CommandSetSocketOpt
}

// Frame is one decoded transport message.
type Frame struct {
	Command Command
	Payload []byte
}

// Socket option identifiers. These reuse the POSIX values as wire constants.
const (
	SolSocket  uint8 = 1 // SOL_SOCKET
	IPProtoTCP uint8 = 6 // IPPROTO_TCP

	SoKeepAlive uint8 = 9 // SO_KEEPALIVE
	TCPNoDelay  uint8 = 1 // TCP_NODELAY
)

// SocketOption is the payload of a SET_SOCKETOPT frame.
type SocketOption struct {
	Class uint8
	Name  uint8
	Value uint8
}

// Enabled reports whether the option is being switched on.
func (o SocketOption) Enabled() bool { return o.Value != 0 }

func (o SocketOption) String() string {
	return fmt.Sprintf("class=%d name=%d value=%d", o.Class, o.Name, o.Value)
}
