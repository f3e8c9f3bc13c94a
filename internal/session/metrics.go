package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	started      metric.Int64Counter
	ended        metric.Int64Counter
	framesSent   metric.Int64Counter
	codecErrors  metric.Int64Counter
	backpressure metric.Int64Counter
	duration     metric.Float64Histogram
}

func newInstruments(active func() int64) (*instruments, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-voiceorder/session")
	var (
		ins instruments
		err error
	)
	if ins.started, err = meter.Int64Counter("voiceorder.sessions.started", metric.WithDescription("Voice sessions started")); err != nil {
		return nil, err
	}
	if ins.ended, err = meter.Int64Counter("voiceorder.sessions.ended", metric.WithDescription("Voice sessions ended, by final state")); err != nil {
		return nil, err
	}
	if ins.framesSent, err = meter.Int64Counter("voiceorder.capture.frames_sent", metric.WithDescription("Audio frames delivered to the live session")); err != nil {
		return nil, err
	}
	if ins.codecErrors, err = meter.Int64Counter("voiceorder.capture.codec_errors", metric.WithDescription("Misaligned capture chunks dropped")); err != nil {
		return nil, err
	}
	if ins.backpressure, err = meter.Int64Counter("voiceorder.capture.backpressure", metric.WithDescription("Capture chunks enqueued above the high-water mark")); err != nil {
		return nil, err
	}
	if ins.duration, err = meter.Float64Histogram("voiceorder.sessions.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("voiceorder.sessions.active", metric.WithDescription("1 while a voice session is open"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

func (ins *instruments) recordEnd(ctx context.Context, o Outcome) {
	if ins == nil {
		return
	}
	state := attribute.String("state", o.State.String())
	ins.ended.Add(ctx, 1, metric.WithAttributes(state))
	ins.framesSent.Add(ctx, o.Capture.FramesSent)
	ins.codecErrors.Add(ctx, o.Capture.CodecErrors)
	ins.backpressure.Add(ctx, o.Capture.Backpressure)
	if !o.StartedAt.IsZero() {
		ins.duration.Record(ctx, o.EndedAt.Sub(o.StartedAt).Seconds(), metric.WithAttributes(state))
	}
}
