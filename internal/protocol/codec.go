package protocol

import (
	"errors"
	"fmt"
)

// ErrEmptyFrame is returned by Decode for a zero-length message.
var ErrEmptyFrame = errors.New("empty frame")

// ProtocolError reports a malformed or unsupported frame. It only ever ends
// the session that received the frame.
type ProtocolError struct {
	Command Command
	Err     error
}

func (e *ProtocolError) Error() string {
	if errors.Is(e.Err, ErrEmptyFrame) {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error (%s): %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Kind is the error label used in metrics.
func (e *ProtocolError) Kind() string { return "protocol" }

// Encode serializes a command and payload into a single transport message.
func Encode(cmd Command, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(cmd)
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeSocketOpt serializes a SET_SOCKETOPT frame.
func EncodeSocketOpt(opt SocketOption) []byte {
	return Encode(CommandSetSocketOpt, []byte{opt.Class, opt.Name, opt.Value})
}

// Decode splits a transport message into its command and payload. The payload
// is copied so the caller may reuse data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, &ProtocolError{Err: ErrEmptyFrame}
	}
	f := Frame{Command: Command(data[0])}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// SocketOption interprets the payload of a SET_SOCKETOPT frame.
func (f Frame) SocketOption() (SocketOption, error) {
	if f.Command != CommandSetSocketOpt {
		return SocketOption{}, &ProtocolError{Command: f.Command, Err: errors.New("not a socket option frame")}
	}
	if len(f.Payload) != SocketOptSize {
		return SocketOption{}, &ProtocolError{
			Command: f.Command,
			Err:     fmt.Errorf("payload is %d bytes (need exactly %d)", len(f.Payload), SocketOptSize),
		}
	}
	return SocketOption{Class: f.Payload[0], Name: f.Payload[1], Value: f.Payload[2]}, nil
}

// Validate checks that the frame carries a known command with a well-formed
// payload.
func (f Frame) Validate() error {
	switch f.Command {
	case CommandChunk:
		return nil
	case CommandSetSocketOpt:
		_, err := f.SocketOption()
		return err
	default:
		return &ProtocolError{Command: f.Command, Err: errors.New("unknown command")}
	}
}
