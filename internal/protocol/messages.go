// ABOUTME: Earbud link message type definitions
// ABOUTME: Defines the JSON envelope and every control message exchanged with the relay
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent in both hello messages.
const ProtocolVersion = 1

// Message types
const (
	TypePeerHello         = "peer/hello"
	TypeRelayHello        = "relay/hello"
	TypeClientTime        = "client/time"
	TypeRelayTime         = "relay/time"
	TypeStreamStart       = "stream/start"
	TypePeerLevel         = "peer/level"
	TypePeerPacket        = "peer/packet"
	TypePeerRestart       = "peer/restart"
	TypeStreamRestartDone = "stream/restart-done"
	TypePlayerUpdate      = "player/update"
	TypeRelayError        = "relay/error"
)

// Message is the top-level wrapper for all outgoing messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is an incoming message whose payload is decoded on demand
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one text frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}

// Into decodes the payload into v.
func (e Envelope) Into(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// PeerHello is sent by an earbud to join the relay
type PeerHello struct {
	PeerID     string      `json:"peer_id"`
	Name       string      `json:"name"`
	Version    int         `json:"version"`
	Side       string      `json:"side,omitempty"` // "left" or "right"
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
	Codecs     []string    `json:"codecs"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// RelayHello is the relay's answer and carries the assigned role
type RelayHello struct {
	RelayID string `json:"relay_id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Role    string `json:"role"` // "master", "slave" or "none"
	PeerID  string `json:"peer_id,omitempty"`
}

// ClientTime is sent for clock synchronization
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"` // Client timestamp in microseconds
}

// RelayTime is the response to client/time
type RelayTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	RelayReceived     int64 `json:"relay_received"`
	RelayTransmitted  int64 `json:"relay_transmitted"`
}

// StreamStart announces a stream, or a restarted one
type StreamStart struct {
	StreamID     string `json:"stream_id"`
	Codec        string `json:"codec"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	BitDepth     int    `json:"bit_depth"`
	PacketTimeUs uint32 `json:"packet_time_us"`
	FirstSeq     uint16 `json:"first_seq"`
	PlayAt       int64  `json:"play_at"` // relay clock, microseconds
	Restart      bool   `json:"restart,omitempty"`
}

// PeerLevel propagates the master's settled actuator level
type PeerLevel struct {
	Level uint8 `json:"level"`
}

// PeerPacket carries one device's render estimate for a packet
type PeerPacket struct {
	Seq         uint16 `json:"seq"`
	TimestampUs uint64 `json:"timestamp_us,omitempty"`
	SampleCount uint32 `json:"sample_count,omitempty"`
	HasCount    bool   `json:"has_count,omitempty"`
}

// PeerRestart asks the relay to renegotiate the stream
type PeerRestart struct {
	Hint   uint16 `json:"hint"`
	Reason string `json:"reason,omitempty"`
}

// StreamRestartDone follows the new stream/start of a restart
type StreamRestartDone struct {
	StreamID string `json:"stream_id"`
}

// PlayerUpdate reports the earbud state (sent as player/update message)
type PlayerUpdate struct {
	State       string `json:"state"` // "idle", "starting" or "playing"
	Level       uint8  `json:"level"`
	BufferUs    uint32 `json:"buffer_us"`
	Restarts    int    `json:"restarts"`
	WatermarkUs uint32 `json:"watermark_us,omitempty"`
}

// RelayError rejects a peer
type RelayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
