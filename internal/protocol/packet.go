// ABOUTME: Binary audio packet framing
// ABOUTME: Layout is [type:1][seq:2][play_at:8][payload:N], big endian
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// AudioPacketType marks a binary frame as an audio packet
	AudioPacketType = 1

	packetHeaderSize = 1 + 2 + 8
)

// ErrShortPacket is returned for frames smaller than the header.
var ErrShortPacket = errors.New("audio packet too short")

// AudioPacket is one encoded packet of the stream
type AudioPacket struct {
	Seq     uint16
	PlayAt  int64 // relay clock, microseconds
	Payload []byte
}

// EncodePacket frames a packet for a binary websocket message.
func EncodePacket(p AudioPacket) []byte {
	buf := make([]byte, packetHeaderSize+len(p.Payload))
	buf[0] = AudioPacketType
	binary.BigEndian.PutUint16(buf[1:3], p.Seq)
	binary.BigEndian.PutUint64(buf[3:11], uint64(p.PlayAt))
	copy(buf[packetHeaderSize:], p.Payload)
	return buf
}

// DecodePacket parses a binary frame. The payload aliases data.
func DecodePacket(data []byte) (AudioPacket, error) {
	if len(data) < packetHeaderSize {
		return AudioPacket{}, ErrShortPacket
	}
	if data[0] != AudioPacketType {
		return AudioPacket{}, fmt.Errorf("unknown binary message type: %d", data[0])
	}
	return AudioPacket{
		Seq:     binary.BigEndian.Uint16(data[1:3]),
		PlayAt:  int64(binary.BigEndian.Uint64(data[3:11])),
		Payload: data[packetHeaderSize:],
	}, nil
}
