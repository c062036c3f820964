package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/callbridge/internal/audiosocket"
)

// ConnRegistry hands the orchestrator the AudioSocket connection that
// identified itself with a given call UUID, resolving the race named in
// spec.md §4.2: AudioSocket's IDENTIFY may arrive before the Orchestrator
// starts waiting for it in WaitForConn, so an early arrival is held in a
// single-slot buffer rather than dropped.
//
// It also enforces the identity invariant of spec.md §3 invariant (i): a
// connection identifying with a UUID that is not a live, placed call is
// rejected outright, never buffered, never handed to an orchestrator.
type ConnRegistry struct {
	mu      sync.Mutex
	live    map[string]bool
	waiters map[string]chan *audiosocket.Conn
	pending map[string]*audiosocket.Conn
}

// NewConnRegistry returns an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		live:    make(map[string]bool),
		waiters: make(map[string]chan *audiosocket.Conn),
		pending: make(map[string]*audiosocket.Conn),
	}
}

// Expect marks uuid as a live, placed call that may legitimately identify
// an AudioSocket connection. Callers must call Forget once the call ends,
// or Deliver will keep rejecting (and the registry will keep tracking) a
// UUID that can never again receive a connection.
func (r *ConnRegistry) Expect(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[uuid] = true
}

// Forget releases a UUID once its call has ended, closing and discarding
// any connection that arrived but was never claimed via WaitForConn.
func (r *ConnRegistry) Forget(uuid string) {
	r.mu.Lock()
	delete(r.live, uuid)
	delete(r.waiters, uuid)
	conn, buffered := r.pending[uuid]
	if buffered {
		delete(r.pending, uuid)
	}
	r.mu.Unlock()

	if buffered {
		_ = conn.Close()
	}
}

// Deliver is called by the AudioSocket server once a connection has
// identified with uuid. If uuid does not name a live call, the connection
// is rejected: closed immediately, never buffered (spec.md §3 invariant
// (i), §9 Testable Property 6, Scenario S3). Otherwise, if an orchestrator
// is already waiting, the connection is handed off immediately; if not, it
// is buffered until WaitForConn is called for the same uuid.
func (r *ConnRegistry) Deliver(uuid string, conn *audiosocket.Conn) {
	r.mu.Lock()
	if !r.live[uuid] {
		r.mu.Unlock()
		slog.Warn("[AudioSocket] rejecting connection for unknown or unclaimed call", "uuid", uuid)
		_ = conn.Close()
		return
	}

	if ch, ok := r.waiters[uuid]; ok {
		delete(r.waiters, uuid)
		r.mu.Unlock()
		ch <- conn
		return
	}
	r.pending[uuid] = conn
	r.mu.Unlock()
}

// WaitForConn blocks until a connection identified with uuid is delivered,
// returning immediately if one was already buffered.
func (r *ConnRegistry) WaitForConn(ctx context.Context, uuid string) (*audiosocket.Conn, error) {
	r.mu.Lock()
	if conn, ok := r.pending[uuid]; ok {
		delete(r.pending, uuid)
		r.mu.Unlock()
		return conn, nil
	}
	ch := make(chan *audiosocket.Conn, 1)
	r.waiters[uuid] = ch
	r.mu.Unlock()

	select {
	case conn := <-ch:
		return conn, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, uuid)
		r.mu.Unlock()
		return nil, fmt.Errorf("call: waiting for AudioSocket identify: %w", ctx.Err())
	}
}
