package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	HighWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	LowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// DataChannel adapts a pion DataChannel to Conn. Pion DataChannels carry no
// close code, so the signaling WebSocket that negotiated the channel stays
// open and carries it instead.
type DataChannel struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	signal *websocket.Conn
	opts   Options

	state  atomic.Int32
	sender *sender

	opened    chan struct{}
	openOnce  sync.Once
	sendReady chan struct{}

	inbox        chan []byte
	dcClosed     chan struct{}
	dcOnce       sync.Once
	signalClosed chan struct{}
	peerCode     atomic.Int32
	gone         chan struct{}
	goneCode     int

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Compile-time interface check.
var _ Conn = (*DataChannel)(nil)

// NewDataChannel wraps dc and the signaling connection. It must be called
// before dc opens so that no early message is missed. Call Start after
// signaling and WaitOpen to wait for the channel to become usable. Close may
// be called at any point to abandon the connection.
func NewDataChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, signal *websocket.Conn, opts Options) *DataChannel {
	opts = opts.withDefaults()
	c := &DataChannel{
		pc:           pc,
		dc:           dc,
		signal:       signal,
		opts:         opts,
		opened:       make(chan struct{}),
		sendReady:    make(chan struct{}, 1),
		inbox:        make(chan []byte, opts.SendQueue),
		dcClosed:     make(chan struct{}),
		signalClosed: make(chan struct{}),
		gone:         make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	dc.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.sendReady <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
			close(c.opened)
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if int64(len(msg.Data)) > opts.MaxMessageSize {
			c.dc.Close()
			return
		}
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case c.inbox <- data:
		case <-c.gone:
		}
	})
	dc.OnClose(func() {
		c.dcOnce.Do(func() { close(c.dcClosed) })
	})

	c.sender = newSender(opts.SendQueue, c.write)
	return c
}

// Start begins watching the signaling socket for the peer's close code. It
// must be called once signaling is complete, since the signaling exchange
// itself reads from the same socket. Later calls are no-ops.
func (c *DataChannel) Start() {
	c.startOnce.Do(func() {
		go c.watchSignal()
		go c.watch()
	})
}

// WaitOpen blocks until the DataChannel is open, the peer went away or ctx
// is done.
func (c *DataChannel) WaitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.gone:
		return &CloseError{Code: c.goneCode}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchSignal reads the signaling connection until it closes and records
// the close code sent by the peer.
func (c *DataChannel) watchSignal() {
	defer close(c.signalClosed)
	for {
		if _, _, err := c.signal.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.peerCode.Store(int32(ce.Code))
			}
			return
		}
	}
}

// watch declares the connection gone once both the DataChannel and the
// signaling socket are closed, or closeGrace after the first of them.
func (c *DataChannel) watch() {
	select {
	case <-c.dcClosed:
	case <-c.signalClosed:
	}

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	dc, sig := c.dcClosed, c.signalClosed
	for dc != nil || sig != nil {
		select {
		case <-dc:
			dc = nil
		case <-sig:
			sig = nil
		case <-timer.C:
			dc, sig = nil, nil
		}
	}

	c.goneCode = CloseAbnormal
	if code := c.peerCode.Load(); code != 0 {
		c.goneCode = int(code)
	}
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	close(c.gone)
}

// write sends one message, blocking while bufferedAmount is above the high
// water mark.
func (c *DataChannel) write(data []byte) error {
	if c.dc.BufferedAmount() > uint64(HighWaterMark) {
		select {
		case <-c.sendReady:
		case <-c.gone:
			return ErrClosed
		}
	}
	return c.dc.Send(data)
}

// ReadMessage returns the next inbound message. Messages that arrived before
// the peer went away are still delivered.
func (c *DataChannel) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.gone:
		select {
		case data := <-c.inbox:
			return data, nil
		default:
		}
		if c.State() == StateClosed {
			return nil, ErrClosed
		}
		return nil, &CloseError{Code: c.goneCode}
	}
}

// Send queues data as a binary message.
func (c *DataChannel) Send(data []byte, done func(error)) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	return c.sender.send(outgoing{data: data, done: done})
}

// State reports the connection state.
func (c *DataChannel) State() State {
	return State(c.state.Load())
}

// Close flushes queued messages, waits for the SCTP buffer to drain, sends
// the close code over the signaling socket and tears down the peer
// connection.
func (c *DataChannel) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.sender.stop()

		deadline := time.Now().Add(closeGrace)
		for c.dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
			select {
			case <-c.gone:
				deadline = time.Now()
			case <-time.After(10 * time.Millisecond):
			}
		}

		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.signal.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err == nil {
			select {
			case <-c.signalClosed:
			case <-time.After(closeGrace):
			}
		}

		c.closeErr = errors.Join(c.dc.Close(), c.pc.Close(), c.signal.Close())
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}

// RemoteAddr returns the address of the signaling peer.
func (c *DataChannel) RemoteAddr() net.Addr {
	return c.signal.RemoteAddr()
}
