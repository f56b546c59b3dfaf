package bridge_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kv9v/zellousrp/internal/audio"
	"github.com/kv9v/zellousrp/internal/bridge"
	"github.com/kv9v/zellousrp/internal/zello"
	"github.com/kv9v/zellousrp/pkg/usrp"
)

type fakeRadio struct {
	frames chan usrp.Frame

	mu     sync.Mutex
	voice  [][]int16
	unkeys int
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{frames: make(chan usrp.Frame, 64)}
}

func (r *fakeRadio) Frames() <-chan usrp.Frame { return r.frames }

func (r *fakeRadio) SendVoice(samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice = append(r.voice, append([]int16(nil), samples...))
	return nil
}

func (r *fakeRadio) SendUnkey() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unkeys++
	return nil
}

func (r *fakeRadio) voiceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voice)
}

func (r *fakeRadio) unkeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unkeys
}

type sentFrame struct {
	streamID uint32
	packetID uint32
	opus     []byte
}

type fakeChannel struct {
	events chan zello.Event
	gate   chan struct{} // when set, StartStream blocks until closed

	mu       sync.Mutex
	nextID   uint32
	startErr error
	starts   int
	stops    int
	sent     []sentFrame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan zello.Event, 64), nextID: 42}
}

func (c *fakeChannel) Events() <-chan zello.Event { return c.events }

func (c *fakeChannel) StartStream(ctx context.Context) (uint32, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return 0, c.startErr
	}
	c.starts++
	return c.nextID, nil
}

func (c *fakeChannel) StopStream(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeChannel) SendAudio(_ context.Context, streamID, packetID uint32, opus []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{streamID, packetID, append([]byte(nil), opus...)})
	return nil
}

func (c *fakeChannel) counts() (starts, stops, sent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, len(c.sent)
}

func (c *fakeChannel) sentFrames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTranscoder(t *testing.T) *audio.Transcoder {
	t.Helper()
	tc, err := audio.New(audio.Config{OpusSampleRate: 8000})
	if err != nil {
		t.Fatalf("audio.New: %v", err)
	}
	return tc
}

func startBridge(t *testing.T, radio *fakeRadio, channel *fakeChannel, prebuffer int) {
	t.Helper()
	b, err := bridge.New(bridge.Config{
		Radio:           radio,
		Channel:         channel,
		Transcoder:      newTranscoder(t),
		PrebufferFrames: prebuffer,
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
}

// tonePCM returns one voice frame of a quiet sine tone.
func tonePCM() []int16 {
	pcm := make([]int16, usrp.VoiceSamples)
	for i := range pcm {
		pcm[i] = int16(4000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	return pcm
}

func keyedVoice(pcm []int16) usrp.VoiceFrame {
	return usrp.VoiceFrame{Header: usrp.Header{Keyup: true, Type: usrp.TypeVoice}, PCM: pcm}
}

func unkeyMarker() usrp.VoiceFrame {
	return usrp.VoiceFrame{Header: usrp.Header{Type: usrp.TypeVoice}}
}

// opusFrame produces a valid encoded frame to feed the incoming direction.
func opusFrame(t *testing.T) []byte {
	t.Helper()
	enc := newTranscoder(t)
	data, err := enc.ToChannel(context.Background(), tonePCM())
	if err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return data
}

func TestBridgeRadioToChannel(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	startBridge(t, radio, channel, 0)

	pcm := tonePCM()
	for range 3 {
		radio.frames <- keyedVoice(pcm)
	}
	radio.frames <- unkeyMarker()

	waitFor(t, "stream stop", func() bool {
		_, stops, _ := channel.counts()
		return stops == 1
	})

	starts, stops, sent := channel.counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("starts/stops = %d/%d, want 1/1", starts, stops)
	}
	if sent != 3 {
		t.Fatalf("sent frames = %d, want 3", sent)
	}
	for i, f := range channel.sentFrames() {
		if f.streamID != 42 {
			t.Errorf("frame %d: stream id = %d, want 42", i, f.streamID)
		}
		if f.packetID != uint32(i) {
			t.Errorf("frame %d: packet id = %d, packets out of order", i, f.packetID)
		}
		if len(f.opus) == 0 {
			t.Errorf("frame %d: empty payload", i)
		}
	}
}

func TestBridgeKeyThenUnkeyBeforeGrant(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	channel.gate = make(chan struct{})
	startBridge(t, radio, channel, 0)

	// The radio keys and unkeys while the stream request is in flight.
	radio.frames <- keyedVoice(nil)
	radio.frames <- unkeyMarker()

	time.Sleep(50 * time.Millisecond)
	close(channel.gate)

	waitFor(t, "stream stop", func() bool {
		_, stops, _ := channel.counts()
		return stops == 1
	})
	starts, stops, sent := channel.counts()
	if starts != 1 || stops != 1 || sent != 0 {
		t.Fatalf("starts/stops/sent = %d/%d/%d, want 1/1/0", starts, stops, sent)
	}
}

func TestBridgePrebufferFlushOrder(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	channel.gate = make(chan struct{})
	startBridge(t, radio, channel, 25)

	pcm := tonePCM()
	for range 3 {
		radio.frames <- keyedVoice(pcm)
	}
	time.Sleep(50 * time.Millisecond) // let the frames reach the prebuffer
	close(channel.gate)

	waitFor(t, "prebuffer flush", func() bool {
		_, _, sent := channel.counts()
		return sent == 3
	})

	radio.frames <- keyedVoice(pcm)
	waitFor(t, "live frame", func() bool {
		_, _, sent := channel.counts()
		return sent == 4
	})

	for i, f := range channel.sentFrames() {
		if f.packetID != uint32(i) {
			t.Fatalf("frame %d: packet id = %d, flush broke ordering", i, f.packetID)
		}
	}
}

func TestBridgePrebufferDropsOldest(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	channel.gate = make(chan struct{})
	startBridge(t, radio, channel, 2)

	pcm := tonePCM()
	for range 5 {
		radio.frames <- keyedVoice(pcm)
	}
	time.Sleep(50 * time.Millisecond)
	close(channel.gate)

	waitFor(t, "bounded flush", func() bool {
		_, _, sent := channel.counts()
		return sent == 2
	})
	radio.frames <- unkeyMarker()
	waitFor(t, "stream stop", func() bool {
		_, stops, _ := channel.counts()
		return stops == 1
	})
	if _, _, sent := channel.counts(); sent != 2 {
		t.Fatalf("sent = %d, want 2 (prebuffer bound)", sent)
	}
}

func TestBridgeChannelToRadio(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	startBridge(t, radio, channel, 0)

	frame := opusFrame(t)
	channel.events <- zello.StreamStarted{StreamID: 9, From: "KD9ABC"}
	const packets = 10
	for i := range packets {
		channel.events <- zello.IncomingAudio{StreamID: 9, PacketID: uint32(i), Opus: frame}
	}
	channel.events <- zello.StreamStopped{StreamID: 9}

	waitFor(t, "radio unkey", func() bool { return radio.unkeyCount() == 1 })

	if got := radio.voiceCount(); got != packets {
		t.Fatalf("radio voice frames = %d, want %d", got, packets)
	}
	radio.mu.Lock()
	defer radio.mu.Unlock()
	for i, v := range radio.voice {
		if len(v) != usrp.VoiceSamples {
			t.Fatalf("frame %d: %d samples, want %d", i, len(v), usrp.VoiceSamples)
		}
	}
}

func TestBridgeCorruptOpusSubstitutesSilence(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	startBridge(t, radio, channel, 0)

	channel.events <- zello.StreamStarted{StreamID: 9, From: "KD9ABC"}
	channel.events <- zello.IncomingAudio{StreamID: 9, PacketID: 0, Opus: []byte{0xff}}

	waitFor(t, "silence frame", func() bool { return radio.voiceCount() == 1 })

	radio.mu.Lock()
	defer radio.mu.Unlock()
	for _, s := range radio.voice[0] {
		if s != 0 {
			t.Fatal("substituted frame is not silence")
		}
	}
	if radio.unkeys != 0 {
		t.Fatal("stream unkeyed early on a codec error")
	}
}

func TestBridgeUnknownStreamAudioIgnored(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	startBridge(t, radio, channel, 0)

	frame := opusFrame(t)
	channel.events <- zello.StreamStarted{StreamID: 9, From: "KD9ABC"}
	channel.events <- zello.IncomingAudio{StreamID: 10, PacketID: 0, Opus: frame}
	channel.events <- zello.IncomingAudio{StreamID: 9, PacketID: 0, Opus: frame}

	waitFor(t, "the stream-9 frame", func() bool { return radio.voiceCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := radio.voiceCount(); got != 1 {
		t.Fatalf("radio frames = %d, want 1 (stray stream relayed)", got)
	}
}

func TestBridgeSessionDownResetsOutgoing(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	startBridge(t, radio, channel, 0)

	pcm := tonePCM()
	radio.frames <- keyedVoice(pcm)
	waitFor(t, "live stream", func() bool {
		_, _, sent := channel.counts()
		return sent == 1
	})

	channel.events <- zello.SessionDown{Err: errors.New("connection reset")}
	time.Sleep(50 * time.Millisecond)

	// Still keyed: the bridge must open a fresh stream on the new session.
	radio.frames <- keyedVoice(pcm)
	waitFor(t, "second stream", func() bool {
		starts, _, _ := channel.counts()
		return starts == 2
	})
}

func TestBridgeStreamRefusedDiscardsTransmission(t *testing.T) {
	radio := newFakeRadio()
	channel := newFakeChannel()
	channel.startErr = errors.New("channel busy")
	startBridge(t, radio, channel, 0)

	pcm := tonePCM()
	radio.frames <- keyedVoice(pcm)
	radio.frames <- unkeyMarker()

	time.Sleep(100 * time.Millisecond)
	_, stops, sent := channel.counts()
	if sent != 0 {
		t.Fatalf("sent = %d, want 0 after refusal", sent)
	}
	if stops != 0 {
		t.Fatalf("stops = %d, want 0 (no stream was granted)", stops)
	}
}

func TestBridgeNewValidation(t *testing.T) {
	if _, err := bridge.New(bridge.Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}
