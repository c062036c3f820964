package audiosocket

import (
	"encoding/binary"
	"fmt"
)

// Parser incrementally reassembles AudioSocket packets from a byte stream
// that may be delivered in arbitrarily small or large reads. Feed() appends
// newly read bytes; Next() drains as many complete packets as are currently
// buffered.
//
// The original reference parser sliced the payload as buffer[3:length]
// instead of buffer[3:3+length], which truncates every non-empty payload by
// the header size and desyncs the stream on the next packet. Next() below
// uses the corrected bound.
type Parser struct {
	buf        []byte
	bytesLimit int
}

// NewParser returns a Parser that refuses to buffer more than bytesLimit
// unconsumed bytes (a stalled or malicious sender sending a header with a
// huge length and never following up with payload).
func NewParser(bytesLimit int) *Parser {
	return &Parser{bytesLimit: bytesLimit}
}

// Feed appends freshly read bytes to the parser's internal buffer.
func (p *Parser) Feed(b []byte) error {
	if p.bytesLimit > 0 && len(p.buf)+len(b) > p.bytesLimit {
		return fmt.Errorf("audiosocket: buffered bytes would exceed limit %d", p.bytesLimit)
	}
	p.buf = append(p.buf, b...)
	return nil
}

// Next drains and returns every complete packet currently buffered, in
// order. It never blocks and never over-reads past a partial trailing
// frame, which is left in the buffer for the next Feed.
func (p *Parser) Next() ([]Packet, error) {
	var packets []Packet
	for {
		if len(p.buf) < HeaderLen {
			return packets, nil
		}

		t := Type(p.buf[0])
		length := binary.BigEndian.Uint16(p.buf[1:3])
		total := HeaderLen + int(length)

		if len(p.buf) < total {
			return packets, nil
		}

		payload := make([]byte, length)
		copy(payload, p.buf[HeaderLen:total])
		packets = append(packets, Packet{Type: t, Payload: payload})

		p.buf = p.buf[total:]
	}
}

// Pending returns the number of unconsumed buffered bytes.
func (p *Parser) Pending() int {
	return len(p.buf)
}
