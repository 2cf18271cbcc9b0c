// Package tunnel relays one TCP connection over one message transport. A
// Session owns both sides: it resolves and dials the target, buffers frames
// that arrive before the TCP connection exists, then forwards bytes in both
// directions until either side ends.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/wsrelay/internal/protocol"
	"github.com/1ureka/wsrelay/internal/sockopt"
	"github.com/1ureka/wsrelay/internal/transport"
	"github.com/1ureka/wsrelay/internal/util"
)

// Tuning constants.
const (
	DefaultReadBufferSize  = 16 * 1024        // TCP read size per relayed message
	DefaultResolveTimeout  = 10 * time.Second // bound on name resolution
	DefaultConnectTimeout  = 10 * time.Second // bound on the TCP connect
	DefaultMaxPendingBytes = 4 << 20          // frame bytes buffered before connect
	inboxBufferSize        = 64               // inbound message channel capacity
	transportEndGrace      = time.Second      // wait for the close code after a failed send
)

// Config tunes a Session. Zero fields take the defaults above.
type Config struct {
	ResolveTimeout  time.Duration
	ConnectTimeout  time.Duration
	MaxPendingBytes int
	ReadBufferSize  int
}

func (c Config) withDefaults() Config {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	return c
}

// Recorder receives session events for metrics. All methods must be safe for
// concurrent use.
type Recorder interface {
	SessionOpened()
	SessionClosed(code int)
	Error(kind string)
	BytesUp(n int)
	BytesDown(n int)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()    {}
func (nopRecorder) SessionClosed(int) {}
func (nopRecorder) Error(string)      {}
func (nopRecorder) BytesUp(int)       {}
func (nopRecorder) BytesDown(int)     {}

// Options configures NewSession.
type Options struct {
	ID       string
	Network  Network
	Config   Config
	Recorder Recorder
}

// inbound is one transport event, delivered in arrival order.
type inbound struct {
	data []byte
	err  error
}

type resolveResult struct {
	addr netip.Addr
	err  error
}

type connectResult struct {
	conn net.Conn
	err  error
}

// Session holds the complete lifecycle state for one tunnel.
// Everything below "owned by run" is only touched by the goroutine executing
// Run, which serializes all transport and TCP events.
type Session struct {
	// Identity
	id  string
	req Request

	// Collaborators
	conn    transport.Conn
	network Network
	cfg     Config
	rec     Recorder
	log     util.Logger

	// Lifecycle
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	// Events
	inbox      chan inbound
	clientGone chan struct{} // closed once ReadMessage failed
	goneOnce   sync.Once
	resolved  chan resolveResult
	connected chan connectResult
	tcpDone   chan error

	// owned by run
	tcpConn      net.Conn
	pending      []protocol.Frame
	pendingBytes int
	buffered     atomic.Int32 // len(pending), readable from any goroutine
}

// NewSession creates a session for req over conn. Run starts it.
func NewSession(req Request, conn transport.Conn, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Network == nil {
		opts.Network = SystemNetwork{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	s := &Session{
		id:        opts.ID,
		req:       req,
		conn:      conn,
		network:   opts.Network,
		cfg:       opts.Config.withDefaults(),
		rec:       opts.Recorder,
		done:      make(chan struct{}),
		inbox:      make(chan inbound, inboxBufferSize),
		clientGone: make(chan struct{}),
		resolved:  make(chan resolveResult, 1),
		connected: make(chan connectResult, 1),
		tcpDone:   make(chan error, 1),
	}
	s.log = util.With("session", shortID(s.id), "peer", addrString(conn.RemoteAddr()), "target", req.Address())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Request returns the tunnel target.
func (s *Session) Request() Request { return s.req }

// State reports the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Buffered reports how many frames are waiting for the TCP connection.
func (s *Session) Buffered() int { return int(s.buffered.Load()) }

// Done returns a channel that is closed once Run has returned and every
// resource of the session is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until it reaches StateClosed. Cancelling ctx ends
// the session with close code 1001. The returned error is the cause of an
// abnormal end, or nil when the target or the client closed cleanly.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer func() {
		s.cancel()
		s.wg.Wait()
		// A connect that raced the shutdown may still sit in the buffer.
		select {
		case res := <-s.connected:
			if res.conn != nil {
				res.conn.Close()
			}
		default:
		}
		close(s.done)
	}()

	s.rec.SessionOpened()
	s.log.Debug("session started")

	s.wg.Add(1)
	go s.readTransport()

	s.start()

	for {
		select {
		case ev := <-s.inbox:
			if ev.err != nil {
				return s.transportGone(ev.err)
			}
			if err := s.handleMessage(ev.data); err != nil {
				return s.fail(err)
			}

		case res := <-s.resolved:
			if res.err != nil {
				return s.terminate(transport.CloseTunnelFailed, &ResolutionError{Host: s.req.Host, Err: res.err})
			}
			s.log.Debug("resolved", "address", res.addr.String())
			s.dial(res.addr)

		case res := <-s.connected:
			if res.err != nil {
				return s.terminate(transport.CloseTunnelFailed, &ConnectError{Addr: s.req.Address(), Op: "dial", Err: res.err})
			}
			if err := s.established(res.conn); err != nil {
				return s.fail(err)
			}

		case err := <-s.tcpDone:
			var terr *TransportError
			switch {
			case errors.As(err, &terr):
				return s.awaitTransportEnd(terr.Err)
			case errors.Is(err, io.EOF) && !s.ending():
				s.log.Debug("target closed its side")
				return s.terminate(transport.CloseNormal, nil)
			default:
				return s.fail(&ConnectError{Addr: s.req.Address(), Op: "read", Err: err})
			}

		case <-s.ctx.Done():
			return s.goingAway()
		}
	}
}

// ending reports whether the client left or the session was cancelled. Both
// close the target socket, so TCP errors seen afterwards are their echo.
func (s *Session) ending() bool {
	select {
	case <-s.ctx.Done():
		return true
	case <-s.clientGone:
		return true
	default:
		return false
	}
}

// fail ends the session after a protocol or target error. A target I/O
// failure caused by the client leaving or by cancellation ends the way that
// event does, not as a tunnel failure.
func (s *Session) fail(err error) error {
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		select {
		case <-s.ctx.Done():
			return s.goingAway()
		case <-s.clientGone:
			return s.awaitTransportEnd(transport.ErrClosed)
		default:
		}
	}
	return s.terminate(transport.CloseTunnelFailed, err)
}

// awaitTransportEnd waits briefly for the transport to report how it ended so
// the session is recorded under the peer's close code. Messages still queued
// are dropped: the target connection is already unusable.
func (s *Session) awaitTransportEnd(fallback error) error {
	timer := time.NewTimer(transportEndGrace)
	defer timer.Stop()
	for {
		select {
		case ev := <-s.inbox:
			if ev.err != nil {
				return s.transportGone(ev.err)
			}
		case <-s.ctx.Done():
			return s.goingAway()
		case <-timer.C:
			return s.transportGone(fallback)
		}
	}
}

func (s *Session) goingAway() error {
	s.log.Debug("shutting down")
	s.teardown(transport.CloseGoingAway)
	s.rec.SessionClosed(transport.CloseGoingAway)
	return nil
}

// start leaves StateAwaitingTarget: literal IPs go straight to connecting,
// names are resolved first.
func (s *Session) start() {
	if addr, ok := s.req.LiteralIP(); ok {
		s.dial(addr)
		return
	}

	s.setState(StateResolving)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResolveTimeout)
		defer cancel()

		addr, err := s.network.Resolve(ctx, s.req.Host)
		select {
		case s.resolved <- resolveResult{addr: addr, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// dial moves to StateConnecting and connects in the background. A connection
// that completes after the session ended is closed right away.
func (s *Session) dial(addr netip.Addr) {
	s.setState(StateConnecting)
	target := netip.AddrPortFrom(addr, s.req.Port)
	s.log.Debug("opening a socket connection", "address", target.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
		defer cancel()

		conn, err := s.network.Dial(ctx, target)
		select {
		case s.connected <- connectResult{conn: conn, err: err}:
		case <-s.ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// established moves to StateRelaying, flushes the frames that arrived before
// the connection existed in arrival order and starts the TCP → transport
// pump.
func (s *Session) established(conn net.Conn) error {
	s.tcpConn = conn
	s.setState(StateRelaying)

	// Writes to a target that stopped reading block the run loop; closing the
	// socket is what unblocks them.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.clientGone:
		case <-s.ctx.Done():
		}
		conn.Close()
	}()
	s.log.Debug("connected to target", "buffered_frames", len(s.pending))

	pending := s.pending
	s.pending, s.pendingBytes = nil, 0
	s.buffered.Store(0)
	for _, f := range pending {
		if err := s.apply(f); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.pumpTCPToTransport(conn)
	return nil
}

// handleMessage decodes one transport message and either queues it (no TCP
// connection yet) or applies it.
func (s *Session) handleMessage(data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}

	if s.tcpConn == nil {
		s.pendingBytes += protocol.HeaderSize + len(f.Payload)
		if s.pendingBytes > s.cfg.MaxPendingBytes {
			return &protocol.ProtocolError{Command: f.Command, Err: ErrPendingOverflow}
		}
		s.pending = append(s.pending, f)
		s.buffered.Store(int32(len(s.pending)))
		return nil
	}
	return s.apply(f)
}

// apply executes a validated frame against the TCP connection.
func (s *Session) apply(f protocol.Frame) error {
	switch f.Command {
	case protocol.CommandChunk:
		if len(f.Payload) == 0 {
			return nil
		}
		if _, err := s.tcpConn.Write(f.Payload); err != nil {
			return &ConnectError{Addr: s.req.Address(), Op: "write", Err: err}
		}
		s.rec.BytesUp(len(f.Payload))

	case protocol.CommandSetSocketOpt:
		opt, err := f.SocketOption()
		if err != nil {
			return err
		}
		res, err := sockopt.Apply(s.tcpConn, opt)
		switch {
		case err != nil:
			s.log.Warn("failed to set socket option", "command", f.Command.String(), "option", opt.String(), "error", err)
		case res != sockopt.Applied:
			s.log.Warn("socket option "+res.String(), "command", f.Command.String(), "option", opt.String())
		default:
			s.log.Debug("socket option applied", "option", opt.String())
		}
	}
	return nil
}

// readTransport delivers inbound messages to the run loop in order. Once
// the session ended it keeps reading and discarding until the transport is
// closed, so a pending close handshake can complete.
func (s *Session) readTransport() {
	defer s.wg.Done()
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.goneOnce.Do(func() { close(s.clientGone) })
		}
		select {
		case s.inbox <- inbound{data: data, err: err}:
		case <-s.ctx.Done():
		}
		if err != nil {
			return
		}
	}
}

// pumpTCPToTransport forwards bytes read from the target verbatim. If the
// transport refuses them the peer is gone and the TCP connection is closed.
func (s *Session) pumpTCPToTransport(conn net.Conn) {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := s.conn.Send(payload, s.countDown(n)); sendErr != nil {
				s.log.Debug("client closed, cleaning up target")
				conn.Close()
				s.reportTCP(&TransportError{Err: sendErr})
				return
			}
		}

		if err != nil {
			s.reportTCP(err)
			return
		}
	}
}

func (s *Session) countDown(n int) func(error) {
	return func(err error) {
		if err == nil {
			s.rec.BytesDown(n)
		}
	}
}

func (s *Session) reportTCP(err error) {
	select {
	case s.tcpDone <- err:
	case <-s.ctx.Done():
	}
}

// transportGone ends the session after the client-facing connection closed
// or failed. The close frame sent by terminate is best effort only.
func (s *Session) transportGone(err error) error {
	code := transport.CloseCode(err)
	if errors.Is(err, transport.ErrClosed) {
		// No close frame was read; the one sent below is what took effect.
		code = transport.CloseNormal
	}
	s.log.Debug("transport closed", "code", code, "error", err)
	s.teardown(transport.CloseNormal)
	s.rec.SessionClosed(code)
	if code == transport.CloseNormal || code == transport.CloseGoingAway || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return &TransportError{Err: err}
}

// terminate ends the session, sending code to the client. cause is nil for a
// normal end.
func (s *Session) terminate(code int, cause error) error {
	if cause != nil {
		kind := ErrorKind(cause)
		s.rec.Error(kind)
		s.log.Warn("tunnel terminated", "code", code, "kind", kind, "error", cause)
	} else {
		s.log.Debug("tunnel finished", "code", code)
	}
	s.teardown(code)
	s.rec.SessionClosed(code)
	return cause
}

// teardown releases both connections and moves to StateClosed. Cancelling
// the context first abandons any pending resolve or connect and unblocks the
// event goroutines.
func (s *Session) teardown(code int) {
	s.setState(StateClosed)
	s.cancel()
	if s.tcpConn != nil {
		s.tcpConn.Close()
	}
	s.pending = nil
	s.buffered.Store(0)
	if err := s.conn.Close(code, closeReason(code)); err != nil {
		s.log.Debug("closing transport", "error", err)
	}
}

// setState advances the state. Moving backwards or staying put is ignored.
func (s *Session) setState(next State) bool {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.log.Debug("state changed", "from", State(cur).String(), "to", next.String())
			return true
		}
	}
}

func closeReason(code int) string {
	switch code {
	case transport.CloseTunnelFailed:
		return "tunnel failed"
	case transport.CloseGoingAway:
		return "proxy shutting down"
	default:
		return ""
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
