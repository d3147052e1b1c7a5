// Package rtp implements the binary datagram format carrying media
// payload for the streaming client.
//
// Each datagram holds one frame: a fixed 12-byte big-endian header,
// zero or more contributing-source identifiers, and the payload. The
// decoder extracts header fields without interpreting the version,
// padding, or extension bits; it only uses the CSRC count to locate
// the payload.
//
// Design principles:
// - Pure decoding: one datagram in, one Frame out, no shared state
// - Frames are immutable once decoded
// - A zero-length payload is the end-of-stream sentinel, not a frame
//   to be played
package rtp

import (
	"encoding/binary"
	"fmt"
)

// fixedHeaderLen is the size of the fixed datagram header preceding
// the contributing-source list.
const fixedHeaderLen = 12

// Frame is one decoded payload unit.
//
// Frames are ordered by SequenceNumber; the number space is 16 bits
// and wraps, so ordering comparisons must use SeqLess rather than the
// < operator.
type Frame struct {
	PayloadType    uint8
	Marker         bool
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
}

// EndOfStream reports whether the frame is the zero-payload sentinel
// that terminates a stream.
func (f Frame) EndOfStream() bool {
	return len(f.Payload) == 0
}

// MalformedDatagramError reports a datagram shorter than its own
// declared header.
type MalformedDatagramError struct {
	Length    int
	HeaderLen int
}

func (e *MalformedDatagramError) Error() string {
	return fmt.Sprintf("malformed datagram: length %d shorter than %d-byte header", e.Length, e.HeaderLen)
}

// ParsePacket decodes one datagram into a Frame.
//
// Layout, all big-endian:
//
//	byte 0:      version(2) padding(1) extension(1) CSRC count(4)
//	byte 1:      marker(1) payload type(7)
//	bytes 2-3:   sequence number
//	bytes 4-7:   timestamp
//	bytes 8-11:  synchronization source identifier
//	bytes 12-:   CSRC identifiers (4 bytes each), then payload
//
// The payload may be empty. Decoding fails with MalformedDatagramError
// when the datagram is shorter than the computed header length.
func ParsePacket(data []byte) (Frame, error) {
	if len(data) < fixedHeaderLen {
		return Frame{}, &MalformedDatagramError{Length: len(data), HeaderLen: fixedHeaderLen}
	}

	csrcCount := int(data[0] & 0x0f)
	headerLen := fixedHeaderLen + 4*csrcCount
	if len(data) < headerLen {
		return Frame{}, &MalformedDatagramError{Length: len(data), HeaderLen: headerLen}
	}

	payload := make([]byte, len(data)-headerLen)
	copy(payload, data[headerLen:])

	return Frame{
		Marker:         data[1]&0x80 != 0,
		PayloadType:    data[1] & 0x7f,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		SSRC:           binary.BigEndian.Uint32(data[8:12]),
		Payload:        payload,
	}, nil
}
