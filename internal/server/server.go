// Package server accepts tunnel upgrade requests and runs one session per
// connection. Plain HTTP requests are refused.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/wsrelay/internal/transport"
	"github.com/1ureka/wsrelay/internal/tunnel"
	"github.com/1ureka/wsrelay/internal/util"
)

// PermissionDenied is the body of the 403 answer to non-tunnel requests.
const PermissionDenied = "Permission Denied — only tunnels are allowed here"

// shutdownTimeout bounds how long Serve waits for sessions after ctx ends.
const shutdownTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Recorder receives server and session events for metrics.
type Recorder interface {
	tunnel.Recorder
	// RequestRejected counts an upgrade refused before a session existed.
	RequestRejected(code int)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()      {}
func (nopRecorder) SessionClosed(int)   {}
func (nopRecorder) Error(string)        {}
func (nopRecorder) BytesUp(int)         {}
func (nopRecorder) BytesDown(int)       {}
func (nopRecorder) RequestRejected(int) {}

// Options configures a Server. The zero value serves WebSocket tunnels over
// the host's network stack with default limits.
type Options struct {
	Session   tunnel.Config
	Transport transport.Options
	Network   tunnel.Network
	Recorder  Recorder

	// WebRTC enables the DataChannel variant on /rtc when non-nil.
	WebRTC *WebRTCOptions
}

// Server is an http.Handler turning upgrade requests into tunnel sessions.
type Server struct {
	opts     Options
	sessions *registry

	// ctx is the parent of every session; cancelling it ends them all
	// with close code 1001.
	ctx    context.Context
	cancel context.CancelFunc
}

// Compile-time interface check.
var _ http.Handler = (*Server)(nil)

func New(opts Options) *Server {
	if opts.Network == nil {
		opts.Network = tunnel.SystemNetwork{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		sessions: newRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Sessions reports how many tunnels are running.
func (s *Server) Sessions() int { return s.sessions.len() }

// ServeHTTP answers non-tunnel requests with 403 and upgrades the rest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		util.LogDebug("refused non-tunnel request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, PermissionDenied)
		return
	}

	if s.opts.WebRTC != nil && r.URL.Path == RTCPath {
		s.serveRTC(w, r)
		return
	}
	s.serveWebSocket(w, r)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		util.LogDebug("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn := transport.NewWebSocket(ws, s.opts.Transport)

	req, err := tunnel.ParseRequest(r.URL)
	if err != nil {
		s.reject(conn, err)
		return
	}
	s.start(conn, req)
}

// reject closes conn with 3000 without creating a session.
func (s *Server) reject(conn transport.Conn, err error) {
	util.With("peer", conn.RemoteAddr().String()).Warn("rejected tunnel request", "error", err)
	s.opts.Recorder.Error(tunnel.ErrorKind(err))
	s.opts.Recorder.RequestRejected(transport.CloseTunnelFailed)
	conn.Close(transport.CloseTunnelFailed, "invalid target")
}

// start registers and runs a session for req over conn.
func (s *Server) start(conn transport.Conn, req tunnel.Request) {
	sess := tunnel.NewSession(req, conn, tunnel.Options{
		Network:  s.opts.Network,
		Config:   s.opts.Session,
		Recorder: s.opts.Recorder,
	})
	if !s.sessions.add(sess) {
		conn.Close(transport.CloseGoingAway, "proxy shutting down")
		return
	}

	go func() {
		defer s.sessions.remove(sess.ID())
		// Failures are logged and counted by the session.
		sess.Run(s.ctx)
	}()
}

// Shutdown stops accepting tunnels, ends every running session with close
// code 1001 and waits for them, or until ctx is done. Requests still
// upgrading are refused with 1001 once they reach the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.close()
	if n := s.sessions.len(); n > 0 {
		util.LogInfo("closing %d tunnel(s): %v", n, s.sessions.targets())
	}
	s.cancel()
	return s.sessions.wait(ctx)
}

// Serve accepts tunnels on ln until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	util.LogInfo("accepting tunnels on %s", ln.Addr())
	err := serveHTTP(ctx, ln, s)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, s.Shutdown(shutdownCtx))
}

// serveHTTP serves handler on ln until ctx is cancelled. Hijacked
// connections are not tracked by http.Server and outlive it.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
