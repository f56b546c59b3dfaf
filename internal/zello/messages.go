// Package zello implements the client side of the Zello channel WebSocket
// protocol: JSON control messages correlated by sequence number, binary
// media frames tagged with a stream id, token authentication, and the
// session state machine with indefinite reconnection.
package zello

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Command and event names used on the control channel.
const (
	cmdLogon       = "logon"
	cmdStartStream = "start_stream"
	cmdStopStream  = "stop_stream"

	evtStreamStart   = "on_stream_start"
	evtStreamStop    = "on_stream_stop"
	evtChannelStatus = "on_channel_status"
	evtError         = "on_error"
)

// ErrProtocolViolation marks an unexpected or malformed message from the
// server. It forces the session to disconnect and reconnect.
var ErrProtocolViolation = errors.New("zello: protocol violation")

// ErrAuthRejected marks a refused logon. It is surfaced at high severity
// because it usually indicates misconfiguration rather than transience.
var ErrAuthRejected = errors.New("zello: authentication rejected")

// logonRequest is the authentication command. Exactly one of the two auth
// modes populates it: username/password, or a signed token.
type logonRequest struct {
	Command      string   `json:"command"`
	Seq          uint32   `json:"seq"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	AuthToken    string   `json:"auth_token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Channels     []string `json:"channels"`
}

// startStreamRequest opens an outgoing audio stream on a channel.
type startStreamRequest struct {
	Command        string `json:"command"`
	Seq            uint32 `json:"seq"`
	Channel        string `json:"channel"`
	Type           string `json:"type"`
	Codec          string `json:"codec"`
	CodecHeader    string `json:"codec_header"`
	PacketDuration int    `json:"packet_duration"`
}

// stopStreamRequest closes the outgoing audio stream.
type stopStreamRequest struct {
	Command  string `json:"command"`
	Seq      uint32 `json:"seq"`
	Channel  string `json:"channel"`
	StreamID uint32 `json:"stream_id"`
}

// serverMessage is the union of every JSON text frame the server sends:
// seq-correlated command responses and unsolicited events.
type serverMessage struct {
	Command string `json:"command,omitempty"`
	Seq     uint32 `json:"seq,omitempty"`

	// Response fields.
	Success      bool   `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
	StreamID     uint32 `json:"stream_id,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Event fields.
	Channel        string `json:"channel,omitempty"`
	From           string `json:"from,omitempty"`
	Codec          string `json:"codec,omitempty"`
	CodecHeader    string `json:"codec_header,omitempty"`
	PacketDuration int    `json:"packet_duration,omitempty"`
}

// codecHeader encodes the 4-byte Opus stream descriptor the server expects
// in start_stream: little-endian int16 sample rate, int8 channel count,
// int8 frame duration in milliseconds, base64-encoded.
func codecHeader(sampleRate, channels, frameMs int) string {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b, uint16(sampleRate))
	b[2] = byte(channels)
	b[3] = byte(frameMs)
	return base64.StdEncoding.EncodeToString(b)
}

// Media frame layout: one type byte, stream id and packet id as big-endian
// uint32, then the Opus payload.
const (
	mediaHeaderSize = 9
	mediaTypeAudio  = 0x01
)

// MediaFrame is one binary audio frame on the channel transport.
type MediaFrame struct {
	Type     byte
	StreamID uint32
	PacketID uint32
	Payload  []byte
}

// encodeMediaFrame builds the wire form of an outbound audio frame.
func encodeMediaFrame(streamID, packetID uint32, opus []byte) []byte {
	b := make([]byte, mediaHeaderSize+len(opus))
	b[0] = mediaTypeAudio
	binary.BigEndian.PutUint32(b[1:5], streamID)
	binary.BigEndian.PutUint32(b[5:9], packetID)
	copy(b[mediaHeaderSize:], opus)
	return b
}

// decodeMediaFrame parses an inbound binary frame. Frames shorter than the
// header are a protocol violation.
func decodeMediaFrame(b []byte) (MediaFrame, error) {
	if len(b) < mediaHeaderSize {
		return MediaFrame{}, fmt.Errorf("%w: binary frame of %d bytes", ErrProtocolViolation, len(b))
	}
	payload := make([]byte, len(b)-mediaHeaderSize)
	copy(payload, b[mediaHeaderSize:])
	return MediaFrame{
		Type:     b[0],
		StreamID: binary.BigEndian.Uint32(b[1:5]),
		PacketID: binary.BigEndian.Uint32(b[5:9]),
		Payload:  payload,
	}, nil
}
