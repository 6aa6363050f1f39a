// Package observe provides the observability primitives for Parley:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware.
//
// Instruments are created from a [metric.MeterProvider]. [InitProvider]
// installs a global provider backed by a Prometheus exporter so the metrics
// can be scraped from /metrics. Components record through [DefaultMetrics];
// tests build their own instance with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds every metric instrument of the engine. The underlying OTel
// types are safe for concurrent use.
type Metrics struct {
	// ── Latency ──

	// ConnectDuration tracks channel dial latency. Attributes: role, status.
	ConnectDuration metric.Float64Histogram

	// StartDuration tracks how long a session takes to become ready.
	StartDuration metric.Float64Histogram

	// ── Counters ──

	// Reconnects counts automatic reconnect attempts. Attributes: role, status.
	Reconnects metric.Int64Counter

	// FramesSent counts audio frames written to a channel. Attribute: role.
	FramesSent metric.Int64Counter

	// FramesDropped counts audio frames discarded. Attribute: reason.
	FramesDropped metric.Int64Counter

	// InboundMessages counts decoded channel envelopes. Attributes: role, type.
	InboundMessages metric.Int64Counter

	// ProtocolErrors counts malformed or unsupported inbound messages.
	// Attribute: role.
	ProtocolErrors metric.Int64Counter

	// StateTransitions counts conversation state edges. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// PlaybackCancels counts barge-in cancellations.
	PlaybackCancels metric.Int64Counter

	// ── Gauges ──

	// ActiveSessions tracks the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ── HTTP ──

	// HTTPRequestDuration tracks control server latency. Attributes:
	// method, route, code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("parley.channel.connect.duration",
		metric.WithDescription("Latency of establishing a channel connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("parley.session.start.duration",
		metric.WithDescription("Time from session start request until ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Reconnects, err = m.Int64Counter("parley.channel.reconnects",
		metric.WithDescription("Automatic reconnect attempts by role and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("parley.audio.frames_sent",
		metric.WithDescription("Captured audio frames sent by channel role."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parley.audio.frames_dropped",
		metric.WithDescription("Audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("parley.protocol.messages",
		metric.WithDescription("Inbound protocol messages by role and type."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("parley.protocol.errors",
		metric.WithDescription("Malformed or unsupported inbound messages by role."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("parley.conversation.transitions",
		metric.WithDescription("Conversation state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackCancels, err = m.Int64Counter("parley.playback.cancels",
		metric.WithDescription("Playback cancellations caused by barge-in or interrupt."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of running voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Control server request latency by method, route and status code."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// status maps an error onto the "ok" / "error" attribute value.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordConnect records one dial attempt of a channel.
func (m *Metrics) RecordConnect(ctx context.Context, role string, d time.Duration, err error) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("role", role), Attr("status", status(err))),
	)
}

// RecordReconnect records one automatic reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, role string, err error) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(Attr("role", role), Attr("status", status(err))),
	)
}

// RecordFrameSent records a frame written to the channel with role.
func (m *Metrics) RecordFrameSent(ctx context.Context, role string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(Attr("role", role)))
}

// RecordFrameDropped records a discarded frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordInbound records a decoded inbound envelope.
func (m *Metrics) RecordInbound(ctx context.Context, role, typ string) {
	m.InboundMessages.Add(ctx, 1,
		metric.WithAttributes(Attr("role", role), Attr("type", typ)),
	)
}

// RecordProtocolError records a malformed or unsupported inbound message.
func (m *Metrics) RecordProtocolError(ctx context.Context, role string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(Attr("role", role)))
}

// RecordTransition records one conversation state edge.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("from", from), Attr("to", to)),
	)
}

// RecordPlaybackCancel records one barge-in cancellation.
func (m *Metrics) RecordPlaybackCancel(ctx context.Context) {
	m.PlaybackCancels.Add(ctx, 1)
}
