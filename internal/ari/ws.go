package ari

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// EventConsumer owns one WebSocket subscription to the ARI event stream.
// Disconnection is fatal to the subscription; this module does not
// reconnect within a call (spec.md §4.3) — the caller decides whether to
// fail the call.
type EventConsumer struct {
	url string
}

// NewEventConsumer returns a consumer for the given fully-formed ARI events
// WebSocket URL (see Client.WSURL).
func NewEventConsumer(wsURL string) *EventConsumer {
	return &EventConsumer{url: wsURL}
}

// readTimeout bounds how long the consumer waits for a message before
// treating the connection as dead.
const readTimeout = 60 * time.Second

// Run connects and forwards parsed events on events until ctx is cancelled
// or the connection closes. It returns the terminating error, which is nil
// only if ctx was cancelled deliberately.
func (c *EventConsumer) Run(ctx context.Context, events chan<- Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("ari: dial event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ari: event stream read: %w", err)
			}
		}

		ev, err := ParseEvent(raw)
		if err != nil {
			slog.Warn("[ARI] malformed event", "error", err)
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}
