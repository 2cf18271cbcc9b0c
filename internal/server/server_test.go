package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/wsrelay/internal/client"
	"github.com/1ureka/wsrelay/internal/metrics"
	"github.com/1ureka/wsrelay/internal/transport"
	"github.com/1ureka/wsrelay/internal/tunnel"
)

const waitFor = 10 * time.Second

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// redirectNetwork records every dial and optionally sends it somewhere else,
// so tests can name public addresses without leaving the machine.
type redirectNetwork struct {
	tunnel.SystemNetwork
	to string

	mu     sync.Mutex
	dialed []netip.AddrPort
}

func (n *redirectNetwork) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	n.mu.Lock()
	n.dialed = append(n.dialed, addr)
	n.mu.Unlock()
	if n.to != "" {
		addr = netip.MustParseAddrPort(n.to)
	}
	return n.SystemNetwork.Dial(ctx, addr)
}

func (n *redirectNetwork) dials() []netip.AddrPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]netip.AddrPort(nil), n.dialed...)
}

// startProxy serves a Server on a loopback httptest server and returns it
// with its ws:// URL.
func startProxy(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	srv := New(opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// startEchoServer starts a TCP server that echoes everything back.
func startEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

func splitTarget(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	ap := netip.MustParseAddrPort(addr)
	return ap.Addr().String(), ap.Port()
}

func dialTunnel(t *testing.T, proxyURL, target string) *client.Conn {
	t.Helper()
	host, port := splitTarget(t, target)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := client.Dial(ctx, client.Options{ProxyURL: proxyURL}, host, port)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(transport.CloseNormal, "") })
	return conn
}

// readBytes reads messages from conn until n bytes arrived.
func readBytes(t *testing.T, conn transport.Conn, n int) []byte {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var buf []byte
		for len(buf) < n {
			msg, err := conn.ReadMessage()
			if err != nil {
				ch <- result{buf, err}
				return
			}
			buf = append(buf, msg...)
		}
		ch <- result{buf, nil}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err, "after %d of %d bytes", len(r.data), n)
		return r.data
	case <-time.After(waitFor):
		conn.Close(transport.CloseNormal, "")
		t.Fatalf("timed out waiting for %d bytes", n)
		return nil
	}
}

// readClose reads until conn reports an error and returns the close code.
func readClose(t *testing.T, conn transport.Conn) int {
	t.Helper()
	ch := make(chan error, 1)
	go func() {
		for {
			if _, err := conn.ReadMessage(); err != nil {
				ch <- err
				return
			}
		}
	}()
	select {
	case err := <-ch:
		var ce *transport.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	case <-time.After(waitFor):
		conn.Close(transport.CloseNormal, "")
		t.Fatal("timed out waiting for the tunnel to close")
		return 0
	}
}

type countingRecorder struct {
	nopRecorder
	mu       sync.Mutex
	rejected []int
}

func (r *countingRecorder) RequestRejected(code int) {
	r.mu.Lock()
	r.rejected = append(r.rejected, code)
	r.mu.Unlock()
}

func (r *countingRecorder) rejections() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.rejected...)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNonTunnelRequestsAreForbidden(t *testing.T) {
	network := &redirectNetwork{}
	_, proxyURL := startProxy(t, Options{Network: network})
	httpURL := "http" + strings.TrimPrefix(proxyURL, "ws")

	for _, path := range []string{"/", "/?host=127.0.0.1&port=22", "/index.html"} {
		resp, err := http.Get(httpURL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Equal(t, PermissionDenied, string(body), path)
	}

	resp, err := http.Post(httpURL+"/", "application/octet-stream", strings.NewReader("payload"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Empty(t, network.dials())
}

func TestInvalidTargetClosesWith3000(t *testing.T) {
	network := &redirectNetwork{}
	rec := &countingRecorder{}
	srv, proxyURL := startProxy(t, Options{Network: network, Recorder: rec})

	for _, query := range []string{"", "?port=80", "?host=127.0.0.1", "?host=127.0.0.1&port=http", "?host=&port=80", "?host=a&port=0"} {
		ws, _, err := websocket.DefaultDialer.Dial(proxyURL+"/"+query, nil)
		require.NoError(t, err, query)

		ws.SetReadDeadline(time.Now().Add(waitFor))
		_, _, err = ws.ReadMessage()
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, query)
		assert.Equal(t, transport.CloseTunnelFailed, ce.Code, query)
		ws.Close()
	}

	assert.Empty(t, network.dials(), "no TCP connect for invalid targets")
	assert.Zero(t, srv.Sessions())
	assert.Len(t, rec.rejections(), 6)
}

func TestEchoThroughTunnel(t *testing.T) {
	_, proxyURL := startProxy(t, Options{})
	echo := startEchoServer(t)
	conn := dialTunnel(t, proxyURL, echo)

	data := makeTestData(256*1024, 0x5a)
	for off := 0; off < len(data); off += 16 * 1024 {
		require.NoError(t, conn.Send(data[off:off+16*1024], nil))
	}

	got := readBytes(t, conn, len(data))
	assert.True(t, bytes.Equal(data, got), "echoed bytes differ")
}

func TestSocketOptionsThroughTunnel(t *testing.T) {
	_, proxyURL := startProxy(t, Options{})
	echo := startEchoServer(t)
	conn := dialTunnel(t, proxyURL, echo)

	require.NoError(t, conn.SetNoDelay(true))
	require.NoError(t, conn.SetKeepAlive(true))
	require.NoError(t, conn.SetSocketOpt(42, 42, 1), "unknown options are ignored")
	require.NoError(t, conn.Send([]byte("still open"), nil))

	assert.Equal(t, "still open", string(readBytes(t, conn, 10)))
}

func TestTargetEndClosesNormally(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("goodbye"))
		c.Close()
	}()

	_, proxyURL := startProxy(t, Options{})
	conn := dialTunnel(t, proxyURL, l.Addr().String())

	assert.Equal(t, "goodbye", string(readBytes(t, conn, 7)))
	assert.Equal(t, transport.CloseNormal, readClose(t, conn))
}

func TestUnreachableTargetCloses3000(t *testing.T) {
	_, proxyURL := startProxy(t, Options{})
	conn := dialTunnel(t, proxyURL, closedAddr(t))

	assert.Equal(t, transport.CloseTunnelFailed, readClose(t, conn))
}

func TestHTTPRequestScenario(t *testing.T) {
	const request = "GET / HTTP/1.0\r\n\r\n"
	const response = "HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	received := make(chan []byte, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		buf := make([]byte, len(request))
		c.SetReadDeadline(time.Now().Add(waitFor))
		if _, err := io.ReadFull(c, buf); err != nil {
			received <- nil
			return
		}
		// Nothing may follow the request.
		c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if n, _ := c.Read(make([]byte, 1)); n > 0 {
			received <- append(buf, '!')
			return
		}
		received <- buf
		c.Write([]byte(response))
	}()

	network := &redirectNetwork{to: l.Addr().String()}
	_, proxyURL := startProxy(t, Options{Network: network})
	conn := dialTunnel(t, proxyURL, "93.184.216.34:80")

	require.NoError(t, conn.Send([]byte(request), nil))

	select {
	case got := <-received:
		assert.Equal(t, request, string(got))
		assert.Len(t, got, 18)
	case <-time.After(waitFor):
		t.Fatal("target never received the request")
	}

	assert.Equal(t, response, string(readBytes(t, conn, len(response))))
	assert.Equal(t, transport.CloseNormal, readClose(t, conn))
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("93.184.216.34:80")}, network.dials())
}

func TestProtocolErrorEndsOnlyThatTunnel(t *testing.T) {
	srv, proxyURL := startProxy(t, Options{})
	echo := startEchoServer(t)
	host, port := splitTarget(t, echo)

	rawURL, err := client.TunnelURL(proxyURL, client.TransportWebSocket, host, port)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	bad, err := transport.DialWebSocket(ctx, rawURL, transport.Options{})
	require.NoError(t, err)
	defer bad.Close(transport.CloseNormal, "")

	good := dialTunnel(t, proxyURL, echo)
	require.NoError(t, good.Send([]byte("before"), nil))
	assert.Equal(t, "before", string(readBytes(t, good, 6)))

	require.NoError(t, bad.Send([]byte{0x09, 'x'}, nil))
	assert.Equal(t, transport.CloseTunnelFailed, readClose(t, bad))

	require.NoError(t, good.Send([]byte("after"), nil))
	assert.Equal(t, "after", string(readBytes(t, good, 5)))
	assert.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)
}

func TestShutdownClosesTunnelsGoingAway(t *testing.T) {
	srv := New(Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	proxyURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	echo := startEchoServer(t)
	conn := dialTunnel(t, proxyURL, echo)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)

	closed := make(chan int, 1)
	go func() {
		_, err := conn.ReadMessage()
		closed <- transport.CloseCode(err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Zero(t, srv.Sessions())

	select {
	case code := <-closed:
		assert.Equal(t, transport.CloseGoingAway, code)
	case <-time.After(waitFor):
		t.Fatal("tunnel was not closed")
	}

	late := dialTunnel(t, proxyURL, echo)
	assert.Equal(t, transport.CloseGoingAway, readClose(t, late))
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	echo := startEchoServer(t)
	conn := dialTunnel(t, "ws://"+ln.Addr().String(), echo)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)

	cancel()
	assert.Equal(t, transport.CloseGoingAway, readClose(t, conn))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
}

func TestMetricsFollowTunnels(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	_, proxyURL := startProxy(t, Options{Recorder: m})
	echo := startEchoServer(t)

	conn := dialTunnel(t, proxyURL, echo)
	require.NoError(t, conn.Send([]byte("ping"), nil))
	readBytes(t, conn, 4)
	require.NoError(t, conn.Close(transport.CloseNormal, ""))

	assert.Eventually(t, func() bool { return m.Counters.Closed.Load() == 1 }, waitFor, 10*time.Millisecond)
	assert.EqualValues(t, 1, m.Counters.Opened.Load())
	assert.EqualValues(t, 4, m.Counters.BytesUp.Load())
	assert.EqualValues(t, 4, m.Counters.BytesDown.Load())
}

func TestWebRTCTunnel(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	rtc := transport.WebRTCOptions{ICEServers: []string{}, IncludeLoopback: true}
	srv, proxyURL := startProxy(t, Options{
		WebRTC: &WebRTCOptions{WebRTCOptions: rtc, SignalTimeout: waitFor},
	})
	echo := startEchoServer(t)
	host, port := splitTarget(t, echo)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	opts := client.Options{ProxyURL: proxyURL, Transport: client.TransportWebRTC, WebRTC: rtc}

	conn, err := client.Dial(ctx, opts, host, port)
	require.NoError(t, err)

	data := makeTestData(64*1024, 0x17)
	require.NoError(t, conn.Send(data, nil))
	assert.True(t, bytes.Equal(data, readBytes(t, conn, len(data))))

	require.NoError(t, conn.Close(transport.CloseNormal, ""))
	assert.Eventually(t, func() bool { return srv.Sessions() == 0 }, waitFor, 10*time.Millisecond)

	_, err = client.Dial(ctx, client.Options{ProxyURL: proxyURL, Transport: client.TransportWebRTC, WebRTC: rtc}, host, 0)
	var ce *transport.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, transport.CloseTunnelFailed, ce.Code)
}
