package audiosocket

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		kind    Type
		payload []byte
	}{
		{"empty audio", Audio, nil},
		{"audio frame", Audio, bytes.Repeat([]byte{0xAB}, 160)},
		{"identify", Identify, make([]byte, 16)},
		{"terminate", Terminate, nil},
		{"error", ErrorPacket, []byte("E_TIMEOUT")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := Encode(tc.kind, tc.payload)

			p := NewParser(0)
			if err := p.Feed(wire); err != nil {
				t.Fatalf("Feed: %v", err)
			}
			packets, err := p.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if len(packets) != 1 {
				t.Fatalf("got %d packets, want 1", len(packets))
			}
			got := packets[0]
			if got.Type != tc.kind {
				t.Errorf("Type = %v, want %v", got.Type, tc.kind)
			}
			if !bytes.Equal(got.Payload, tc.payload) {
				t.Errorf("Payload = %v, want %v", got.Payload, tc.payload)
			}
		})
	}
}

func TestTypeString(t *testing.T) {
	if Audio.String() != "AUDIO" {
		t.Errorf("Audio.String() = %q", Audio.String())
	}
	if got := Type(0x42).String(); got != "UNKNOWN(0x42)" {
		t.Errorf("unknown type String() = %q", got)
	}
}
