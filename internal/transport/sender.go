package transport

import (
	"sync"
)

// outgoing is one queued message.
type outgoing struct {
	data []byte
	done func(error)
}

// sender is a goroutine-based message writer that serializes all writes to a
// single connection. The bounded inbox blocks callers when the peer is slower
// than the producer.
type sender struct {
	inbox    chan outgoing
	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	write    func([]byte) error
}

// newSender creates a sender and starts the background loop.
func newSender(size int, write func([]byte) error) *sender {
	s := &sender{
		inbox:  make(chan outgoing, size),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		write:  write,
	}
	go s.loop()
	return s
}

// loop is the single-writer goroutine. After the first write error every
// further message fails with that error without touching the connection.
func (s *sender) loop() {
	defer close(s.exited)

	var failed error
	deliver := func(msg outgoing) {
		err := failed
		if err == nil {
			err = s.write(msg.data)
			failed = err
		}
		if msg.done != nil {
			msg.done(err)
		}
	}

	for {
		select {
		case msg := <-s.inbox:
			deliver(msg)
		case <-s.quit:
			// Flush what was queued before stop.
			for {
				select {
				case msg := <-s.inbox:
					deliver(msg)
				default:
					return
				}
			}
		}
	}
}

// send enqueues a message. It blocks while the queue is full and returns
// ErrClosed once the sender was stopped.
func (s *sender) send(msg outgoing) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// stop flushes queued messages and waits for the loop to exit.
func (s *sender) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.exited
}
