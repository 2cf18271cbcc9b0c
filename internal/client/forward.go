package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/wsrelay/internal/transport"
	"github.com/1ureka/wsrelay/internal/util"
)

const (
	readBufferSize        = 16 * 1024       // largest CHUNK payload the forwarder sends
	DefaultHalfCloseGrace = 5 * time.Second // wait for the target after local EOF
)

// ForwardOptions configures a Forwarder.
type ForwardOptions struct {
	Dial Options
	Host string
	Port uint16

	// NoDelay and KeepAlive are requested on the proxy's target connection
	// right after each tunnel opens.
	NoDelay   bool
	KeepAlive bool

	// HalfCloseGrace is how long a tunnel keeps delivering the target's
	// bytes after the local side finished sending. Zero takes the default;
	// a negative value closes the tunnel at once.
	HalfCloseGrace time.Duration
}

// Forwarder exposes a remote target on a local port: every accepted
// connection gets its own tunnel through the proxy.
type Forwarder struct {
	opts ForwardOptions
	wg   sync.WaitGroup
}

func NewForwarder(opts ForwardOptions) *Forwarder {
	if opts.HalfCloseGrace == 0 {
		opts.HalfCloseGrace = DefaultHalfCloseGrace
	}
	return &Forwarder{opts: opts}
}

// ListenAndServe listens on addr and calls Serve.
func (f *Forwarder) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// every bridged connection to finish.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	// Close the listener when context is done so Accept() returns an error.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer f.wg.Wait()

	target := net.JoinHostPort(f.opts.Host, fmt.Sprint(f.opts.Port))
	util.LogInfo("forwarding %s to %s via %s (%s)", ln.Addr(), target, f.opts.Dial.ProxyURL, f.variant())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handle(ctx, conn)
		}()
	}
}

func (f *Forwarder) variant() string {
	if f.opts.Dial.Transport == "" {
		return TransportWebSocket
	}
	return f.opts.Dial.Transport
}

// handle opens one tunnel for local and bridges the two until either ends.
func (f *Forwarder) handle(ctx context.Context, local net.Conn) {
	defer local.Close()
	log := util.With("conn", fmt.Sprintf("%08x", util.ConnID(local)), "peer", local.RemoteAddr().String())

	conn, err := Dial(ctx, f.opts.Dial, f.opts.Host, f.opts.Port)
	if err != nil {
		log.Warn("failed to open tunnel", "error", err)
		return
	}
	log.Debug("tunnel opened")

	if f.opts.NoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			log.Debug("failed to request TCP_NODELAY", "error", err)
		}
	}
	if f.opts.KeepAlive {
		if err := conn.SetKeepAlive(true); err != nil {
			log.Debug("failed to request SO_KEEPALIVE", "error", err)
		}
	}

	if err := Bridge(ctx, local, conn, f.opts.HalfCloseGrace); err != nil {
		log.Warn("tunnel failed", "code", transport.CloseCode(err), "error", err)
		return
	}
	log.Debug("tunnel closed")
}

// Bridge copies local's bytes into conn as CHUNK frames and conn's messages
// back into local until either side ends or ctx is cancelled. The protocol
// has no half-close: after local EOF the tunnel stays open for up to grace so
// the target can finish its answer, then it is closed with 1000. Bridge
// closes conn and returns nil when the tunnel ended with code 1000 or 1001,
// or the close error otherwise.
func Bridge(ctx context.Context, local net.Conn, conn *Conn, grace time.Duration) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close(transport.CloseNormal, "")
	})
	defer stop()

	upDone := make(chan struct{})
	downDone := make(chan struct{})
	go func() {
		defer close(upDone)
		pumpLocalToTunnel(local, conn, grace, downDone)
	}()

	var result error
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			result = err
			break
		}
		if _, err := local.Write(data); err != nil {
			conn.Close(transport.CloseNormal, "")
			break
		}
	}

	// The peer ended the tunnel; unblock the upstream pump.
	close(downDone)
	local.Close()
	<-upDone
	conn.Close(transport.CloseNormal, "")

	switch code := transport.CloseCode(result); {
	case result == nil, errors.Is(result, transport.ErrClosed):
		return nil
	case code == transport.CloseNormal, code == transport.CloseGoingAway:
		return nil
	default:
		return result
	}
}

// pumpLocalToTunnel forwards local reads until EOF or an error, then closes
// the tunnel normally. On EOF it first waits up to grace for the tunnel to
// end on its own, which downDone reports.
func pumpLocalToTunnel(local net.Conn, conn *Conn, grace time.Duration, downDone <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := conn.Send(payload, nil); sendErr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && grace > 0 {
				timer := time.NewTimer(grace)
				select {
				case <-downDone:
				case <-timer.C:
				}
				timer.Stop()
			} else if !errors.Is(err, net.ErrClosed) {
				util.LogDebug("local read: %v", err)
			}
			conn.Close(transport.CloseNormal, "")
			return
		}
	}
}
