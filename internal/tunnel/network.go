package tunnel

import (
	"context"
	"net"
	"net/netip"
)

// Network is the capability a session needs from the OS network stack.
type Network interface {
	// Resolve looks up host and returns the address to connect to.
	Resolve(ctx context.Context, host string) (netip.Addr, error)
	// Dial opens a TCP connection to addr.
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// SystemNetwork resolves and dials through the host's network stack.
type SystemNetwork struct {
	Resolver *net.Resolver
	Dialer   *net.Dialer
}

// Resolve returns the first address the resolver reports for host.
func (n SystemNetwork) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	resolver := n.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, errNoAddresses
	}
	return addrs[0].Unmap(), nil
}

// Dial opens a TCP connection to addr.
func (n SystemNetwork) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	dialer := n.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return dialer.DialContext(ctx, "tcp", addr.String())
}
