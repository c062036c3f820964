// Package audiosocket implements Asterisk's AudioSocket TCP framing: a
// 3-byte header (type, 2-byte big-endian length) followed by that many
// payload bytes.
package audiosocket

import (
	"encoding/binary"
	"fmt"
)

// Type is the AudioSocket packet kind, the first header byte.
type Type uint8

const (
	// Terminate signals the remote end is closing the stream.
	Terminate Type = 0x00
	// Identify carries a 16-byte call UUID, sent once at connection start.
	Identify Type = 0x01
	// Audio carries telephony-encoded audio payload (alaw by convention here).
	Audio Type = 0x10
	// ErrorPacket carries a UTF-8 error code from the remote end.
	ErrorPacket Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case Terminate:
		return "TERMINATE"
	case Identify:
		return "IDENTIFY"
	case Audio:
		return "AUDIO"
	case ErrorPacket:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// HeaderLen is the fixed size of an AudioSocket packet header.
const HeaderLen = 3

// Packet is one decoded AudioSocket frame.
type Packet struct {
	Type    Type
	Payload []byte
}

// Encode serializes a packet to the wire format.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	return buf
}
