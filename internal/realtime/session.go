package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures a Realtime session (spec.md §4.4).
type Config struct {
	URL          string
	Model        string
	APIKey       string
	Voice        string
	SystemPrompt string
	Temperature  float64
	InputFormat  string
	OutputFormat string
	VADThreshold float64
	VADSilenceMs int
	VADPrefixMs  int
}

// Session owns one WebSocket connection to the Realtime API for the
// duration of a call.
type Session struct {
	conn *websocket.Conn
}

// readTimeout bounds how long Recv waits for a message before treating the
// connection as dead (spec.md §4.4 keepalive/timeout).
const readTimeout = 60 * time.Second

// Dial opens the session and sends the initial session.update.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	s := &Session{conn: conn}
	if err := s.sendSessionUpdate(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) sendSessionUpdate(cfg Config) error {
	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"instructions":        cfg.SystemPrompt,
			"voice":               cfg.Voice,
			"input_audio_format":  cfg.InputFormat,
			"output_audio_format": cfg.OutputFormat,
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           cfg.VADThreshold,
				"prefix_padding_ms":   cfg.VADPrefixMs,
				"silence_duration_ms": cfg.VADSilenceMs,
				"create_response":     true,
				"interrupt_response":  true,
			},
			"temperature": cfg.Temperature,
		},
	}
	return s.conn.WriteJSON(update)
}

// SendAudio base64-encodes payload and appends it to the input audio
// buffer. Each call sends one event — frames are never batched, to keep
// ingress latency low (spec.md §4.4).
func (s *Session) SendAudio(payload []byte) error {
	msg := map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(payload),
	}
	return s.conn.WriteJSON(msg)
}

// Recv blocks for the next inbound event, or returns an error once
// readTimeout elapses without one.
func (s *Session) Recv() (Event, error) {
	_ = s.conn.SetReadDeadline(timeNow().Add(readTimeout))
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("realtime: read: %w", err)
	}
	return ParseEvent(raw)
}

// DecodeAudioDelta base64-decodes an AudioDeltaEvent's payload.
func DecodeAudioDelta(e *AudioDeltaEvent) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		return nil, fmt.Errorf("realtime: decode audio delta: %w", err)
	}
	return b, nil
}

// Close closes the underlying WebSocket connection.
func (s *Session) Close() error { return s.conn.Close() }

// timeNow is a seam for tests; production always uses time.Now.
var timeNow = func() time.Time { return time.Now() }
