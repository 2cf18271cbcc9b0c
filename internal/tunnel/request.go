package tunnel

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
)

// Request is the tunnel target parsed from the upgrade request's query.
type Request struct {
	Host string
	Port uint16
}

// ParseRequest reads host and port from the query string of u. The scheme,
// authority and path of u are irrelevant.
func ParseRequest(u *url.URL) (Request, error) {
	q := u.Query()

	host := q.Get("host")
	if host == "" {
		return Request{}, &TargetError{Field: "host", Err: errMissing}
	}

	rawPort := q.Get("port")
	if rawPort == "" {
		return Request{}, &TargetError{Field: "port", Err: errMissing}
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return Request{}, &TargetError{Field: "port", Value: rawPort, Err: errInvalidPort}
	}

	return Request{Host: host, Port: uint16(port)}, nil
}

// Address returns host:port, bracketing IPv6 literals.
func (r Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// LiteralIP returns the target as an address when Host is already an IP
// literal, so no resolution is needed.
func (r Request) LiteralIP() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(r.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
