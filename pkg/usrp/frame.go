// Package usrp implements the USRP voice-interconnect protocol used by
// AllStarLink/Asterisk (chan_usrp): fixed-layout UDP datagrams carrying
// 8 kHz 16-bit linear PCM plus key state, DTMF, text and TLV metadata.
//
// The wire format is frozen — a 32-byte header ("USRP" magic followed by
// seven big-endian uint32 fields) and a type-dependent payload. Voice frames
// carry 160 little-endian int16 samples (20 ms at 8 kHz); a header-only
// voice frame marks the end of a transmission (unkey).
package usrp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire-format constants. These match chan_usrp and must not change.
const (
	Magic      = "USRP"
	HeaderSize = 32

	// VoiceSamples is the number of PCM samples in one voice frame:
	// 20 ms at 8 kHz mono.
	VoiceSamples = 160
	VoiceBytes   = VoiceSamples * 2

	SampleRate    = 8000
	FrameDuration = 20 // milliseconds
)

// FrameType identifies the payload carried by a USRP datagram.
type FrameType uint32

const (
	TypeVoice FrameType = 0
	TypeDTMF  FrameType = 1
	TypeText  FrameType = 2
	TypePing  FrameType = 3
	TypeTLV   FrameType = 4
)

// String returns the lowercase protocol name of the frame type.
func (t FrameType) String() string {
	switch t {
	case TypeVoice:
		return "voice"
	case TypeDTMF:
		return "dtmf"
	case TypeText:
		return "text"
	case TypePing:
		return "ping"
	case TypeTLV:
		return "tlv"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// TagCallsign is the TLV tag carrying the talker callsign.
const TagCallsign = 0x08

// ErrMalformedFrame is returned by [Decode] when a datagram is too short,
// carries the wrong magic, or an unrecognised frame type. Malformed frames
// are dropped by callers; they never abort the relay.
var ErrMalformedFrame = errors.New("usrp: malformed frame")

// Header is the fixed 32-byte USRP datagram header. All integer fields are
// big-endian on the wire.
type Header struct {
	Seq       uint32
	Memory    uint32
	Keyup     bool // PTT state: explicit and authoritative
	TalkGroup uint32
	Type      FrameType
	MpxID     uint32
	Reserved  uint32
}

// Frame is the closed set of USRP datagram variants. Decode returns exactly
// one of [VoiceFrame], [DTMFFrame], [TextFrame], [PingFrame] or [TLVFrame].
type Frame interface {
	// Hdr returns the datagram header.
	Hdr() Header

	// payload appends the wire payload bytes after the header.
	payload(b []byte) []byte
}

// VoiceFrame carries one block of 16-bit PCM samples. An empty PCM slice
// with Keyup false is the unkey marker chan_usrp emits at the end of a
// transmission.
type VoiceFrame struct {
	Header Header
	PCM    []int16
}

// DTMFFrame carries a single DTMF digit.
type DTMFFrame struct {
	Header Header
	Digit  byte
}

// TextFrame carries free-form text metadata.
type TextFrame struct {
	Header Header
	Text   string
}

// PingFrame is a keep-alive with no payload.
type PingFrame struct {
	Header Header
}

// TLVFrame carries one tag/length/value metadata item, most commonly the
// talker callsign under [TagCallsign].
type TLVFrame struct {
	Header Header
	Tag    byte
	Value  []byte
}

func (f VoiceFrame) Hdr() Header { return f.Header }
func (f DTMFFrame) Hdr() Header  { return f.Header }
func (f TextFrame) Hdr() Header  { return f.Header }
func (f PingFrame) Hdr() Header  { return f.Header }
func (f TLVFrame) Hdr() Header   { return f.Header }

func (f VoiceFrame) payload(b []byte) []byte {
	for _, s := range f.PCM {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b
}

func (f DTMFFrame) payload(b []byte) []byte { return append(b, f.Digit) }
func (f TextFrame) payload(b []byte) []byte { return append(b, f.Text...) }
func (f PingFrame) payload(b []byte) []byte { return b }

func (f TLVFrame) payload(b []byte) []byte {
	b = append(b, f.Tag, byte(len(f.Value)))
	return append(b, f.Value...)
}

// Callsign returns the callsign string when the TLV carries one.
func (f TLVFrame) Callsign() (string, bool) {
	if f.Tag != TagCallsign {
		return "", false
	}
	return string(f.Value), true
}

// Encode serialises a frame into a datagram. The output is deterministic
// and always begins with the fixed 32-byte header.
func Encode(f Frame) []byte {
	h := f.Hdr()
	b := make([]byte, 0, HeaderSize+VoiceBytes)
	b = append(b, Magic...)
	b = binary.BigEndian.AppendUint32(b, h.Seq)
	b = binary.BigEndian.AppendUint32(b, h.Memory)
	var keyup uint32
	if h.Keyup {
		keyup = 1
	}
	b = binary.BigEndian.AppendUint32(b, keyup)
	b = binary.BigEndian.AppendUint32(b, h.TalkGroup)
	b = binary.BigEndian.AppendUint32(b, uint32(h.Type))
	b = binary.BigEndian.AppendUint32(b, h.MpxID)
	b = binary.BigEndian.AppendUint32(b, h.Reserved)
	return f.payload(b)
}

// Decode parses a received datagram into a typed frame. It returns
// [ErrMalformedFrame] when the datagram is shorter than the header, carries
// the wrong magic, an unknown type, or a voice payload that is neither
// empty (unkey marker) nor a whole number of samples.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedFrame, len(b), HeaderSize)
	}
	if string(b[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedFrame, b[:4])
	}

	h := Header{
		Seq:       binary.BigEndian.Uint32(b[4:8]),
		Memory:    binary.BigEndian.Uint32(b[8:12]),
		Keyup:     binary.BigEndian.Uint32(b[12:16]) != 0,
		TalkGroup: binary.BigEndian.Uint32(b[16:20]),
		Type:      FrameType(binary.BigEndian.Uint32(b[20:24])),
		MpxID:     binary.BigEndian.Uint32(b[24:28]),
		Reserved:  binary.BigEndian.Uint32(b[28:32]),
	}
	payload := b[HeaderSize:]

	switch h.Type {
	case TypeVoice:
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("%w: odd voice payload of %d bytes", ErrMalformedFrame, len(payload))
		}
		pcm := make([]int16, len(payload)/2)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
		}
		return VoiceFrame{Header: h, PCM: pcm}, nil

	case TypeDTMF:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: empty dtmf payload", ErrMalformedFrame)
		}
		return DTMFFrame{Header: h, Digit: payload[0]}, nil

	case TypeText:
		return TextFrame{Header: h, Text: string(payload)}, nil

	case TypePing:
		return PingFrame{Header: h}, nil

	case TypeTLV:
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: tlv payload of %d bytes", ErrMalformedFrame, len(payload))
		}
		length := int(payload[1])
		if len(payload) < 2+length {
			return nil, fmt.Errorf("%w: tlv value truncated: want %d bytes, have %d", ErrMalformedFrame, length, len(payload)-2)
		}
		value := make([]byte, length)
		copy(value, payload[2:2+length])
		return TLVFrame{Header: h, Tag: payload[0], Value: value}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, uint32(h.Type))
	}
}
