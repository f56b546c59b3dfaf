// Package audio converts between the radio side's 8 kHz 16-bit linear PCM
// and the channel side's Opus frames: dB gain staging with clamp counting,
// sample-rate conversion, and encode/decode through the Opus codec.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"layeh.com/gopus"

	"github.com/kv9v/zellousrp/internal/observe"
	"github.com/kv9v/zellousrp/pkg/pcm"
	"github.com/kv9v/zellousrp/pkg/usrp"
)

// ErrCodec marks a corrupt or undecodable Opus payload. Callers substitute
// one frame of silence and keep the stream flowing.
var ErrCodec = errors.New("audio: codec error")

// ErrFrameSize marks encoder input that is not exactly one frame. This is a
// programming error in the buffering layer, not a runtime condition.
var ErrFrameSize = errors.New("audio: wrong frame size")

// Config parameterises a [Transcoder].
type Config struct {
	// OpusSampleRate is the codec rate used on the channel side. The radio
	// side is always 8 kHz; when the rates differ the transcoder resamples.
	OpusSampleRate int

	// GainToChannelDB is applied to radio audio before encoding.
	GainToChannelDB float64

	// GainToRadioDB is applied to decoded channel audio before it is
	// handed to the radio side.
	GainToRadioDB float64

	// Metrics receives clamp counts and transcode latencies. Nil uses the
	// process default.
	Metrics *observe.Metrics
}

// Transcoder converts one frame at a time in each direction. It keeps
// independent encoder and decoder state, so both directions may be used
// concurrently from their respective pipeline goroutines, but each direction
// must have a single caller.
type Transcoder struct {
	enc *gopus.Encoder
	dec *gopus.Decoder

	opusRate         int
	opusFrameSamples int

	gainToChannel float64
	gainToRadio   float64

	metrics *observe.Metrics
}

// New creates a Transcoder for the fixed radio format (8 kHz mono, 20 ms
// frames) and the configured channel Opus rate.
func New(cfg Config) (*Transcoder, error) {
	if cfg.OpusSampleRate == 0 {
		cfg.OpusSampleRate = usrp.SampleRate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	enc, err := gopus.NewEncoder(cfg.OpusSampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(cfg.OpusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	return &Transcoder{
		enc:              enc,
		dec:              dec,
		opusRate:         cfg.OpusSampleRate,
		opusFrameSamples: cfg.OpusSampleRate * usrp.FrameDuration / 1000,
		gainToChannel:    pcm.DBToLinear(cfg.GainToChannelDB),
		gainToRadio:      pcm.DBToLinear(cfg.GainToRadioDB),
		metrics:          cfg.Metrics,
	}, nil
}

// OpusSampleRate returns the channel-side codec rate.
func (t *Transcoder) OpusSampleRate() int { return t.opusRate }

// ToChannel encodes exactly one radio PCM frame (160 samples, 20 ms at
// 8 kHz) into one Opus frame, applying the radio→channel gain first. The
// input slice is modified in place by gain staging.
//
// Input of any other size returns [ErrFrameSize].
func (t *Transcoder) ToChannel(ctx context.Context, samples []int16) ([]byte, error) {
	if len(samples) != usrp.VoiceSamples {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(samples), usrp.VoiceSamples)
	}
	start := time.Now()

	if clamped := pcm.ApplyGain(samples, t.gainToChannel); clamped > 0 {
		t.metrics.GainClamps.Add(ctx, int64(clamped),
			metric.WithAttributes(observe.DirectionRadioToChannel))
	}

	frame := pcm.ResampleMono(samples, usrp.SampleRate, t.opusRate)
	if len(frame) != t.opusFrameSamples {
		return nil, fmt.Errorf("%w: resampled to %d samples, want %d", ErrFrameSize, len(frame), t.opusFrameSamples)
	}

	opus, err := t.enc.Encode(frame, t.opusFrameSamples, len(frame)*2)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCodec, err)
	}

	t.metrics.TranscodeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.DirectionRadioToChannel))
	return opus, nil
}

// ToRadio decodes one Opus frame into 8 kHz PCM samples, applying the
// channel→radio gain last. Corrupt payloads return [ErrCodec]; the caller
// substitutes [SilenceFrame] to preserve stream continuity.
func (t *Transcoder) ToRadio(ctx context.Context, opus []byte) ([]int16, error) {
	start := time.Now()

	decoded, err := t.dec.Decode(opus, t.opusFrameSamples, false)
	if err != nil {
		t.metrics.CodecErrors.Add(ctx, 1)
		return nil, fmt.Errorf("%w: decode: %v", ErrCodec, err)
	}

	samples := pcm.ResampleMono(decoded, t.opusRate, usrp.SampleRate)

	if clamped := pcm.ApplyGain(samples, t.gainToRadio); clamped > 0 {
		t.metrics.GainClamps.Add(ctx, int64(clamped),
			metric.WithAttributes(observe.DirectionChannelToRadio))
	}

	t.metrics.TranscodeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.DirectionChannelToRadio))
	return samples, nil
}

// SilenceFrame returns one radio frame of silence (160 zero samples), used
// in place of undecodable channel audio.
func SilenceFrame() []int16 {
	return pcm.Silence(usrp.VoiceSamples)
}
