// Package observe provides observability primitives for the bridge:
// OpenTelemetry metrics and tracing with a Prometheus exporter bridge so
// that instruments remain scrapeable via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/kv9v/zellousrp"

// Attribute values shared by the counters below.
var (
	// DirectionRadioToChannel labels the USRP → Zello pipeline.
	DirectionRadioToChannel = attribute.String("direction", "radio_to_channel")

	// DirectionChannelToRadio labels the Zello → USRP pipeline.
	DirectionChannelToRadio = attribute.String("direction", "channel_to_radio")
)

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesRelayed counts audio frames delivered to the far side.
	// Use with a direction attribute.
	FramesRelayed metric.Int64Counter

	// FramesDropped counts frames discarded before delivery. Use with
	// attributes: direction, attribute.String("reason", ...) — one of
	// "malformed", "codec", "backpressure", "unknown_stream", "disconnect".
	FramesDropped metric.Int64Counter

	// GainClamps counts PCM samples clamped to the int16 range during gain
	// staging. Use with a direction attribute.
	GainClamps metric.Int64Counter

	// CodecErrors counts Opus decode failures substituted with silence.
	CodecErrors metric.Int64Counter

	// Reconnects counts channel session re-establishment attempts.
	Reconnects metric.Int64Counter

	// AuthFailures counts logon rejections from the channel server.
	AuthFailures metric.Int64Counter

	// ActiveStreams tracks currently open audio streams. Use with a
	// direction attribute.
	ActiveStreams metric.Int64UpDownCounter

	// TranscodeDuration tracks per-frame transcoding latency in seconds.
	// Use with a direction attribute.
	TranscodeDuration metric.Float64Histogram

	// StreamDuration tracks talk-spurt length in seconds. Use with a
	// direction attribute.
	StreamDuration metric.Float64Histogram
}

// transcodeBuckets defines histogram bucket boundaries (in seconds) for
// per-frame codec work, which must stay well under one 20 ms frame time.
var transcodeBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02,
}

// streamBuckets defines histogram bucket boundaries (in seconds) for
// talk-spurt durations.
var streamBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesRelayed, err = m.Int64Counter("zellousrp.frames.relayed",
		metric.WithDescription("Audio frames delivered to the far side."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("zellousrp.frames.dropped",
		metric.WithDescription("Frames discarded before delivery."),
	); err != nil {
		return nil, err
	}
	if met.GainClamps, err = m.Int64Counter("zellousrp.gain.clamps",
		metric.WithDescription("PCM samples clamped during gain staging."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("zellousrp.codec.errors",
		metric.WithDescription("Opus decode failures substituted with silence."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("zellousrp.session.reconnects",
		metric.WithDescription("Channel session reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("zellousrp.session.auth_failures",
		metric.WithDescription("Logon rejections from the channel server."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("zellousrp.streams.active",
		metric.WithDescription("Currently open audio streams."),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDuration, err = m.Float64Histogram("zellousrp.transcode.duration",
		metric.WithDescription("Per-frame transcoding latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transcodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamDuration, err = m.Float64Histogram("zellousrp.stream.duration",
		metric.WithDescription("Talk-spurt duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(streamBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance built from the
// global OTel meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// The no-op meter provider never fails instrument creation;
			// fall back to zero-value instruments regardless.
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// CountDrop records one dropped frame with a direction and reason.
func (m *Metrics) CountDrop(ctx context.Context, direction attribute.KeyValue, reason string) {
	if m.FramesDropped == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(direction, attribute.String("reason", reason)))
}
