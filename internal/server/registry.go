package server

import (
	"context"
	"sync"

	"github.com/1ureka/wsrelay/internal/tunnel"
)

// registry tracks the running sessions so shutdown can wait for them.
// Once closed it refuses new sessions.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*tunnel.Session
	closed   bool
	wg       sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]*tunnel.Session),
	}
}

// add stores s. It returns false once the registry is closed.
func (r *registry) add(s *tunnel.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.ID()] = s
	r.wg.Add(1)
	return true
}

// remove drops the session with the given id after it finished.
func (r *registry) remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

// targets lists the target of every running session.
func (r *registry) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Request().Address())
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// close stops accepting sessions.
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// wait blocks until every registered session was removed or ctx is done.
func (r *registry) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
