// Package sockopt maps SET_SOCKETOPT wire codes onto TCP socket
// configuration.
package sockopt

import (
	"fmt"

	"github.com/1ureka/wsrelay/internal/protocol"
)

// KeepAliver is implemented by connections supporting SO_KEEPALIVE
// (*net.TCPConn among them).
type KeepAliver interface {
	SetKeepAlive(keepalive bool) error
}

// NoDelayer is implemented by connections supporting TCP_NODELAY
// (*net.TCPConn among them).
type NoDelayer interface {
	SetNoDelay(noDelay bool) error
}

// Result describes what Apply did with an option.
type Result int

const (
	// Applied means the option was set on the connection.
	Applied Result = iota
	// Ignored means the class/name pair is not supported; nothing changed.
	Ignored
	// Unsupported means the pair is known but conn cannot be configured.
	Unsupported
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Apply sets opt on conn. Unknown class/name combinations are ignored and
// never produce an error; the only errors come from the socket itself.
func Apply(conn any, opt protocol.SocketOption) (Result, error) {
	switch {
	case opt.Class == protocol.SolSocket && opt.Name == protocol.SoKeepAlive:
		c, ok := conn.(KeepAliver)
		if !ok {
			return Unsupported, nil
		}
		if err := c.SetKeepAlive(opt.Enabled()); err != nil {
			return Applied, fmt.Errorf("set keepalive: %w", err)
		}
		return Applied, nil

	case opt.Class == protocol.IPProtoTCP && opt.Name == protocol.TCPNoDelay:
		c, ok := conn.(NoDelayer)
		if !ok {
			return Unsupported, nil
		}
		if err := c.SetNoDelay(opt.Enabled()); err != nil {
			return Applied, fmt.Errorf("set nodelay: %w", err)
		}
		return Applied, nil

	default:
		return Ignored, nil
	}
}
