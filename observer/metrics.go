package observer

import (
	"context"
	"time"

	"github.com/bitpart/bitpart"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics implements bitpart.Metrics on top of the OTEL instruments.
type engineMetrics struct {
	inst *Instruments
}

// NewMetrics returns a bitpart.Metrics backed by the given instruments.
func NewMetrics(inst *Instruments) bitpart.Metrics {
	return &engineMetrics{inst: inst}
}

func (m *engineMetrics) RecordRequest(ctx context.Context, botID string, d time.Duration, end bool) {
	attrs := metric.WithAttributes(
		attribute.String("bot_id", botID),
		attribute.Bool("conversation_end", end),
	)
	m.inst.Requests.Add(ctx, 1, attrs)
	m.inst.RequestDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *engineMetrics) RecordMessages(ctx context.Context, botID string, n int) {
	m.inst.Messages.Add(ctx, int64(n), metric.WithAttributes(attribute.String("bot_id", botID)))
}

func (m *engineMetrics) RecordHold(ctx context.Context, botID string) {
	m.inst.Holds.Add(ctx, 1, metric.WithAttributes(attribute.String("bot_id", botID)))
}

func (m *engineMetrics) RecordCallbackFailure(ctx context.Context) {
	m.inst.CallbackFailures.Add(ctx, 1)
}

var _ bitpart.Metrics = (*engineMetrics)(nil)
