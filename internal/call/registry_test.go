package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/audiosocket"
)

// TestDeliverRejectsUnclaimedUUID exercises spec.md Scenario S3: an
// AudioSocket connection that identifies with a UUID that names no live,
// placed call must be rejected outright — closed, never buffered, never
// handed to an orchestrator waiting on some other UUID.
func TestDeliverRejectsUnclaimedUUID(t *testing.T) {
	registry := NewConnRegistry()

	server := audiosocket.NewServer("127.0.0.1", 0, 1<<20)
	ln, err := server.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go server.Serve(srvCtx, ln, func(ctx context.Context, c *audiosocket.Conn) {
		registry.Deliver(c.UUID(), c)
		<-ctx.Done()
	})

	// Note: registry.Expect is deliberately never called for this uuid — it
	// names no live call.
	unclaimed := uuid.New().String()
	dialAndIdentify(t, srvCtx, ln.Addr().String(), unclaimed)

	// The connection must not have been buffered for later pickup.
	time.Sleep(50 * time.Millisecond)
	registry.mu.Lock()
	_, stillPending := registry.pending[unclaimed]
	registry.mu.Unlock()
	if stillPending {
		t.Fatal("unclaimed uuid's connection was buffered instead of rejected")
	}

	// No orchestrator will ever see it: WaitForConn must time out, not
	// receive the rejected connection.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer waitCancel()
	if _, err := registry.WaitForConn(waitCtx, unclaimed); err == nil {
		t.Fatal("expected WaitForConn to time out for a rejected/unclaimed uuid, got a connection")
	}
}

// TestDeliverBuffersExpectedUUID is the counterpart happy path: a uuid that
// was Expect()-ed (a live, placed call) is buffered normally when no
// orchestrator is waiting yet, and handed off once WaitForConn is called.
func TestDeliverBuffersExpectedUUID(t *testing.T) {
	registry := NewConnRegistry()

	server := audiosocket.NewServer("127.0.0.1", 0, 1<<20)
	ln, err := server.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go server.Serve(srvCtx, ln, func(ctx context.Context, c *audiosocket.Conn) {
		registry.Deliver(c.UUID(), c)
		<-ctx.Done()
	})

	expected := uuid.New().String()
	registry.Expect(expected)
	dialAndIdentify(t, srvCtx, ln.Addr().String(), expected)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	conn, err := registry.WaitForConn(waitCtx, expected)
	if err != nil {
		t.Fatalf("WaitForConn: %v", err)
	}
	if conn.UUID() != expected {
		t.Fatalf("got uuid %s, want %s", conn.UUID(), expected)
	}
}
