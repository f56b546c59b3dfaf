// Package bridge relays audio between a USRP radio endpoint and a channel
// session, full duplex. It owns the push-to-talk state on both sides: radio
// key-up opens an outgoing channel stream, a remote talker keys the radio.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kv9v/zellousrp/internal/audio"
	"github.com/kv9v/zellousrp/internal/observe"
	"github.com/kv9v/zellousrp/internal/zello"
	"github.com/kv9v/zellousrp/pkg/usrp"
)

// Radio is the USRP side of the bridge, satisfied by *usrp.Endpoint.
type Radio interface {
	Frames() <-chan usrp.Frame
	SendVoice(samples []int16) error
	SendUnkey() error
}

// Channel is the network channel side, satisfied by *zello.Client.
type Channel interface {
	Events() <-chan zello.Event
	StartStream(ctx context.Context) (uint32, error)
	StopStream(ctx context.Context) error
	SendAudio(ctx context.Context, streamID, packetID uint32, opus []byte) error
}

// Config wires a Bridge.
type Config struct {
	Radio      Radio
	Channel    Channel
	Transcoder *audio.Transcoder

	// PrebufferFrames bounds how much audio is held between radio key-up
	// and the channel granting a stream id. At 20 ms per frame the default
	// of 25 covers half a second of round-trip latency.
	PrebufferFrames int

	// Metrics receives relay counters. Nil uses the process default.
	Metrics *observe.Metrics
}

// outPhase tracks the outgoing (radio to channel) stream lifecycle.
type outPhase int

const (
	outIdle     outPhase = iota
	outStarting          // key-up seen, waiting for the stream id
	outLive
)

type startResult struct {
	id  uint32
	err error
}

// Bridge relays audio in both directions. All mutable state is owned by the
// Run goroutine; the radio and channel feed it through their channels.
type Bridge struct {
	radio   Radio
	channel Channel
	tc      *audio.Transcoder
	metrics *observe.Metrics

	started chan startResult

	// Outgoing direction.
	out           outPhase
	outStreamID   uint32
	outPacketID   uint32
	outStartedAt  time.Time
	outSpan       trace.Span
	stopRequested bool
	prebuffer     *frameQueue

	// Incoming direction.
	inActive    bool
	inStreamID  uint32
	inStartedAt time.Time
	chunker     *audio.Chunker

	// Last talker callsign announced over USRP TLV metadata.
	callsign string
}

// New assembles a bridge from an already connected radio and channel.
func New(cfg Config) (*Bridge, error) {
	if cfg.Radio == nil || cfg.Channel == nil || cfg.Transcoder == nil {
		return nil, errors.New("bridge: radio, channel and transcoder are required")
	}
	if cfg.PrebufferFrames <= 0 {
		cfg.PrebufferFrames = 25
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		radio:     cfg.Radio,
		channel:   cfg.Channel,
		tc:        cfg.Transcoder,
		metrics:   cfg.Metrics,
		started:   make(chan startResult, 1),
		prebuffer: newFrameQueue(cfg.PrebufferFrames),
		chunker:   audio.NewChunker(usrp.VoiceSamples),
	}, nil
}

// Run relays until ctx ends or an unrecoverable error occurs. Transient
// trouble (malformed frames, codec failures, a lost session) is absorbed:
// the only fatal conditions are a closed input channel and frame-size bugs.
func (b *Bridge) Run(ctx context.Context) error {
	slog.Info("bridge: relaying")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-b.radio.Frames():
			if !ok {
				return errors.New("bridge: radio endpoint closed")
			}
			if err := b.handleRadioFrame(ctx, frame); err != nil {
				return err
			}

		case ev, ok := <-b.channel.Events():
			if !ok {
				return errors.New("bridge: channel client closed")
			}
			if err := b.handleChannelEvent(ctx, ev); err != nil {
				return err
			}

		case res := <-b.started:
			b.handleStreamStarted(ctx, res)
		}
	}
}

// handleRadioFrame drives the outgoing direction from radio traffic. The
// header's key-up flag is authoritative: audio arriving unkeyed is treated
// as the end of the transmission.
func (b *Bridge) handleRadioFrame(ctx context.Context, frame usrp.Frame) error {
	switch f := frame.(type) {
	case usrp.VoiceFrame:
		if !f.Header.Keyup {
			b.endOutgoing(ctx)
			return nil
		}
		b.beginOutgoing(ctx)
		if len(f.PCM) == 0 {
			return nil // bare key marker
		}
		if len(f.PCM) != usrp.VoiceSamples {
			slog.Debug("bridge: dropping odd-sized voice frame", "samples", len(f.PCM))
			b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "malformed")
			return nil
		}
		return b.relayVoice(ctx, f.PCM)

	case usrp.DTMFFrame:
		slog.Info("bridge: radio sent dtmf digit", "digit", string(f.Digit))

	case usrp.TextFrame:
		slog.Info("bridge: radio metadata", "text", f.Text)

	case usrp.TLVFrame:
		if callsign, ok := f.Callsign(); ok {
			b.callsign = callsign
			slog.Info("bridge: radio talker identified", "callsign", callsign)
		}

	case usrp.PingFrame:
		// Keep-alives carry nothing to relay.
	}
	return nil
}

// relayVoice encodes one radio voice frame and ships or buffers it.
func (b *Bridge) relayVoice(ctx context.Context, pcm []int16) error {
	opus, err := b.tc.ToChannel(ctx, pcm)
	switch {
	case errors.Is(err, audio.ErrFrameSize):
		return fmt.Errorf("bridge: %w", err)
	case err != nil:
		slog.Warn("bridge: encode failed, dropping frame", "err", err)
		b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "codec")
		return nil
	}

	switch b.out {
	case outLive:
		if err := b.channel.SendAudio(ctx, b.outStreamID, b.outPacketID, opus); err != nil {
			slog.Warn("bridge: send to channel failed", "err", err)
			b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "disconnect")
			return nil
		}
		b.outPacketID++
		b.metrics.FramesRelayed.Add(ctx, 1, metric.WithAttributes(observe.DirectionRadioToChannel))

	case outStarting:
		if b.prebuffer.push(opus) {
			b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "backpressure")
		}

	case outIdle:
		// Unkeyed tail audio after a stop: nothing to carry it.
		b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "disconnect")
	}
	return nil
}

// beginOutgoing opens the outgoing stream on the first keyed frame. The
// stream request runs concurrently so radio audio keeps flowing into the
// prebuffer while the channel thinks it over.
func (b *Bridge) beginOutgoing(ctx context.Context) {
	if b.out != outIdle {
		return
	}
	b.out = outStarting
	b.stopRequested = false
	b.outStartedAt = time.Now()
	sctx, span := observe.StartSpan(ctx, "bridge.transmit",
		trace.WithAttributes(attribute.String("callsign", b.callsign)))
	b.outSpan = span
	observe.Logger(sctx).Info("bridge: radio keyed, starting channel stream", "callsign", b.callsign)

	go func() {
		id, err := b.channel.StartStream(sctx)
		select {
		case b.started <- startResult{id: id, err: err}:
		case <-ctx.Done():
		}
	}()
}

// handleStreamStarted finishes the key-up handshake: flush the prebuffer
// onto the granted stream, or honor an unkey that arrived while waiting.
func (b *Bridge) handleStreamStarted(ctx context.Context, res startResult) {
	if b.out != outStarting {
		if res.err == nil {
			// Granted after the session state already moved on.
			b.channel.StopStream(ctx)
		}
		return
	}

	if res.err != nil {
		slog.Warn("bridge: channel refused stream, discarding transmission", "err", res.err)
		dropped := b.prebuffer.len()
		for range dropped {
			b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "disconnect")
		}
		b.prebuffer.drain()
		b.endOutSpan()
		b.out = outIdle
		b.stopRequested = false
		return
	}

	b.out = outLive
	b.outStreamID = res.id
	b.outPacketID = 0

	buffered := b.prebuffer.drain()
	slog.Debug("bridge: stream granted, flushing prebuffer", "stream_id", res.id, "frames", len(buffered))
	for _, opus := range buffered {
		if err := b.channel.SendAudio(ctx, b.outStreamID, b.outPacketID, opus); err != nil {
			slog.Warn("bridge: prebuffer flush failed", "err", err)
			b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "disconnect")
			continue
		}
		b.outPacketID++
		b.metrics.FramesRelayed.Add(ctx, 1, metric.WithAttributes(observe.DirectionRadioToChannel))
	}

	if b.stopRequested {
		b.closeOutgoing(ctx)
	}
}

// endOutgoing reacts to the radio unkeying.
func (b *Bridge) endOutgoing(ctx context.Context) {
	switch b.out {
	case outLive:
		b.closeOutgoing(ctx)
	case outStarting:
		// Unkey before the stream id arrived. The stream still must open
		// and close so buffered audio is delivered.
		b.stopRequested = true
	}
}

// closeOutgoing stops the live stream and records its duration.
func (b *Bridge) closeOutgoing(ctx context.Context) {
	slog.Info("bridge: radio unkeyed, stopping channel stream",
		"stream_id", b.outStreamID, "frames", b.outPacketID)
	if err := b.channel.StopStream(ctx); err != nil {
		slog.Warn("bridge: stop stream failed", "err", err)
	}
	b.metrics.StreamDuration.Record(ctx, time.Since(b.outStartedAt).Seconds(),
		metric.WithAttributes(observe.DirectionRadioToChannel))
	b.endOutSpan()
	b.out = outIdle
	b.stopRequested = false
	b.outStreamID = 0
	b.outPacketID = 0
}

// endOutSpan finishes the transmission span, recording how much was sent.
func (b *Bridge) endOutSpan() {
	if b.outSpan == nil {
		return
	}
	b.outSpan.SetAttributes(attribute.Int64("frames", int64(b.outPacketID)))
	b.outSpan.End()
	b.outSpan = nil
}

// handleChannelEvent drives the incoming direction and session recovery.
func (b *Bridge) handleChannelEvent(ctx context.Context, ev zello.Event) error {
	switch e := ev.(type) {
	case zello.SessionUp:
		slog.Info("bridge: channel session ready")

	case zello.SessionDown:
		// The session took both directions with it. The client already
		// emitted StreamStopped for an open incoming stream; the outgoing
		// stream died server-side, so only local state needs resetting.
		if b.out != outIdle {
			slog.Warn("bridge: session lost mid-transmission", "buffered", b.prebuffer.len())
			for range b.prebuffer.len() {
				b.metrics.CountDrop(ctx, observe.DirectionRadioToChannel, "disconnect")
			}
			b.prebuffer.drain()
			b.endOutSpan()
			b.out = outIdle
			b.stopRequested = false
		}

	case zello.StreamStarted:
		b.inActive = true
		b.inStreamID = e.StreamID
		b.inStartedAt = time.Now()
		b.chunker.Reset()
		slog.Info("bridge: relaying incoming stream to radio", "stream_id", e.StreamID, "from", e.From)

	case zello.IncomingAudio:
		if !b.inActive || e.StreamID != b.inStreamID {
			b.metrics.CountDrop(ctx, observe.DirectionChannelToRadio, "unknown_stream")
			return nil
		}
		samples, err := b.tc.ToRadio(ctx, e.Opus)
		if err != nil {
			// Substitute silence to keep the radio frame cadence intact.
			slog.Debug("bridge: decode failed, substituting silence", "err", err)
			samples = audio.SilenceFrame()
		}
		b.chunker.Write(samples)
		return b.pumpRadio(ctx)

	case zello.StreamStopped:
		if !b.inActive || e.StreamID != b.inStreamID {
			return nil
		}
		if tail, ok := b.chunker.FlushPadded(); ok {
			if err := b.radio.SendVoice(tail); err != nil {
				slog.Warn("bridge: voice tail send failed", "err", err)
			}
		}
		if err := b.radio.SendUnkey(); err != nil {
			slog.Warn("bridge: unkey send failed", "err", err)
		}
		b.metrics.StreamDuration.Record(ctx, time.Since(b.inStartedAt).Seconds(),
			metric.WithAttributes(observe.DirectionChannelToRadio))
		slog.Info("bridge: incoming stream done, radio unkeyed", "stream_id", e.StreamID)
		b.inActive = false
		b.inStreamID = 0
	}
	return nil
}

// pumpRadio sends every complete voice frame the chunker has ready.
func (b *Bridge) pumpRadio(ctx context.Context) error {
	for {
		frame, ok := b.chunker.Next()
		if !ok {
			return nil
		}
		if err := b.radio.SendVoice(frame); err != nil {
			slog.Warn("bridge: send to radio failed", "err", err)
			b.metrics.CountDrop(ctx, observe.DirectionChannelToRadio, "disconnect")
			continue
		}
		b.metrics.FramesRelayed.Add(ctx, 1, metric.WithAttributes(observe.DirectionChannelToRadio))
	}
}
