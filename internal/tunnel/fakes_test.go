package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/wsrelay/internal/protocol"
	"github.com/1ureka/wsrelay/internal/transport"
)

// Compile-time interface checks.
var (
	_ transport.Conn = (*fakeConn)(nil)
	_ Network        = (*fakeNetwork)(nil)
)

// fakeConn is an in-memory transport.Conn. The test plays the client: push
// delivers a message to the session, received returns everything the
// session sent back.
type fakeConn struct {
	in         chan []byte
	peerClosed chan struct{}
	peerCode   int
	peerOnce   sync.Once

	mu       sync.Mutex
	out      bytes.Buffer
	messages int
	notify   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeCode int

	sendsFail atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:         make(chan []byte),
		peerClosed: make(chan struct{}),
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.peerClosed:
		return nil, &transport.CloseError{Code: c.peerCode}
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *fakeConn) Send(data []byte, done func(error)) error {
	if c.sendsFail.Load() {
		return transport.ErrClosed
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-c.peerClosed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	c.out.Write(data)
	c.messages++
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	if done != nil {
		done(nil)
	}
	return nil
}

func (c *fakeConn) State() transport.State {
	select {
	case <-c.closed:
		return transport.StateClosed
	default:
		return transport.StateOpen
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}
}

// push delivers one raw message to the session.
func (c *fakeConn) push(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.in <- data:
	case <-c.closed:
		t.Fatalf("push: transport already closed")
	case <-time.After(5 * time.Second):
		t.Fatalf("push: session did not read the message")
	}
}

// pushFrame encodes and delivers one frame.
func (c *fakeConn) pushFrame(t *testing.T, cmd protocol.Command, payload []byte) {
	t.Helper()
	c.push(t, protocol.Encode(cmd, payload))
}

// closeFromPeer simulates the client closing the connection with code.
func (c *fakeConn) closeFromPeer(code int) {
	c.peerOnce.Do(func() {
		c.peerCode = code
		close(c.peerClosed)
	})
}

// failSends makes Send report a closed transport while reads still block,
// as when the peer's close frame has not been read yet.
func (c *fakeConn) failSends() { c.sendsFail.Store(true) }

// waitClosed waits for the session to close the transport and returns the
// close code.
func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-c.closed:
		return c.closeCode
	case <-time.After(5 * time.Second):
		t.Fatalf("transport was not closed")
		return 0
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// waitReceived waits until at least n bytes were sent to the client.
func (c *fakeConn) waitReceived(t *testing.T, n int) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if c.out.Len() >= n {
			got := append([]byte(nil), c.out.Bytes()...)
			c.mu.Unlock()
			return got
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("received fewer than %d bytes", n)
		}
	}
}

// targetConn is the proxy's end of a net.Pipe standing in for the TCP
// connection. It records socket options and writes in one ordered log.
type targetConn struct {
	net.Conn
	mu      sync.Mutex
	ops     []string
	readErr error
}

func (c *targetConn) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *targetConn) Write(p []byte) (int, error) {
	c.record(fmt.Sprintf("write:%s", p))
	return c.Conn.Write(p)
}

func (c *targetConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.mu.Lock()
		if c.readErr != nil {
			err = c.readErr
		}
		c.mu.Unlock()
	}
	return n, err
}

// fail makes the pending and every later Read return err, as a reset
// connection would.
func (c *targetConn) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.Conn.Close()
}

func (c *targetConn) SetNoDelay(v bool) error {
	c.record(fmt.Sprintf("nodelay=%v", v))
	return nil
}

func (c *targetConn) SetKeepAlive(v bool) error {
	c.record(fmt.Sprintf("keepalive=%v", v))
	return nil
}

func (c *targetConn) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// fakeNetwork resolves from a static table and hands out net.Pipe pairs.
// Dial blocks until release is called when gated.
type fakeNetwork struct {
	hosts   map[string]netip.Addr
	dialErr error
	gate    chan struct{}

	mu       sync.Mutex
	resolved []string
	dialed   []netip.AddrPort
	target   *targetConn
	remote   net.Conn
	dialing  chan struct{}
	dialOnce sync.Once
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		hosts:   map[string]netip.Addr{},
		dialing: make(chan struct{}),
	}
}

// gated makes Dial wait for release.
func (n *fakeNetwork) gated() *fakeNetwork {
	n.gate = make(chan struct{})
	return n
}

func (n *fakeNetwork) release() { close(n.gate) }

func (n *fakeNetwork) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	n.mu.Lock()
	n.resolved = append(n.resolved, host)
	n.mu.Unlock()
	addr, ok := n.hosts[host]
	if !ok {
		return netip.Addr{}, errors.New("no such host")
	}
	return addr, nil
}

func (n *fakeNetwork) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	n.mu.Lock()
	n.dialed = append(n.dialed, addr)
	n.mu.Unlock()
	n.dialOnce.Do(func() { close(n.dialing) })

	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.dialErr != nil {
		return nil, n.dialErr
	}

	local, remote := net.Pipe()
	target := &targetConn{Conn: local}
	n.mu.Lock()
	n.target, n.remote = target, remote
	n.mu.Unlock()
	return target, nil
}

// waitTarget returns both ends of the connection once Dial succeeded: the
// proxy's end (with its op log) and the end playing the TCP server.
func (n *fakeNetwork) waitTarget(t *testing.T) (*targetConn, net.Conn) {
	t.Helper()
	var target *targetConn
	var remote net.Conn
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		target, remote = n.target, n.remote
		return target != nil
	}, 5*time.Second, 5*time.Millisecond)
	return target, remote
}

func (n *fakeNetwork) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.dialed)
}

// runSession starts s and returns a channel yielding Run's result. The
// session is cancelled and awaited when the test ends.
func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return errCh
}

// readFull reads exactly n bytes from the target's server end.
func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		require.NoError(t, err)
		read += m
	}
	return buf
}
