package tunnel

import (
	"errors"
	"fmt"
)

var (
	errMissing         = errors.New("missing")
	errInvalidPort     = errors.New("must be a number between 1 and 65535")
	errNoAddresses     = errors.New("no addresses found")
	ErrPendingOverflow = errors.New("too much data buffered before the target connected")
)

// TargetError reports a missing or invalid host or port in the request.
type TargetError struct {
	Field string
	Value string
	Err   error
}

func (e *TargetError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid target: %s %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid target: %s %q %v", e.Field, e.Value, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }
func (e *TargetError) Kind() string  { return "target" }

// ResolutionError reports a failed name lookup.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
func (e *ResolutionError) Kind() string  { return "resolution" }

// ConnectError reports a failure of the TCP side: the connect itself
// (Op "dial") or I/O on the established connection.
type ConnectError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("tcp %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
func (e *ConnectError) Kind() string  { return "connect" }

// TransportError reports a failure of the client-facing connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Kind() string  { return "transport" }

// ErrorKind returns the metrics label of err, or "other" when err carries
// none.
func ErrorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "other"
}
