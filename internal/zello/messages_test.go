package zello

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"
)

func TestCodecHeader(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(codecHeader(48000, 1, 20))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("header length = %d, want 4", len(raw))
	}
	if rate := binary.LittleEndian.Uint16(raw[:2]); rate != 48000 {
		t.Errorf("sample rate = %d, want 48000", rate)
	}
	if raw[2] != 1 {
		t.Errorf("channels = %d, want 1", raw[2])
	}
	if raw[3] != 20 {
		t.Errorf("frame duration = %d, want 20", raw[3])
	}
}

func TestMediaFrameRoundTrip(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30}
	raw := encodeMediaFrame(0xdeadbeef, 42, payload)

	if raw[0] != mediaTypeAudio {
		t.Fatalf("type byte = %#x, want %#x", raw[0], mediaTypeAudio)
	}
	frame, err := decodeMediaFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.StreamID != 0xdeadbeef {
		t.Errorf("stream id = %#x, want 0xdeadbeef", frame.StreamID)
	}
	if frame.PacketID != 42 {
		t.Errorf("packet id = %d, want 42", frame.PacketID)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("payload = % x, want % x", frame.Payload, payload)
	}
}

func TestMediaFrameHeaderLayout(t *testing.T) {
	raw := encodeMediaFrame(77, 3, nil)
	want := []byte{0x01, 0, 0, 0, 77, 0, 0, 0, 3}
	if !bytes.Equal(raw, want) {
		t.Fatalf("frame = % x, want % x", raw, want)
	}
}

func TestDecodeMediaFrameTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 8} {
		if _, err := decodeMediaFrame(make([]byte, n)); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("decode %d bytes: err = %v, want ErrProtocolViolation", n, err)
		}
	}
}
