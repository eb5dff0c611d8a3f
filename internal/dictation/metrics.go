package dictation

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions    metric.Int64Counter
	stops       metric.Int64Counter
	transcripts metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-voicepad/dictation")
	m := &metrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("voicepad.dictation.sessions", metric.WithDescription("Dictation sessions started")); err != nil {
		log.Warn("failed to create dictation metric", slogError(err))
	}
	if m.stops, err = meter.Int64Counter("voicepad.dictation.stops", metric.WithDescription("Dictation sessions stopped by reason")); err != nil {
		log.Warn("failed to create dictation metric", slogError(err))
	}
	if m.transcripts, err = meter.Int64Counter("voicepad.dictation.transcripts", metric.WithDescription("Finalized transcript batches forwarded")); err != nil {
		log.Warn("failed to create dictation metric", slogError(err))
	}
	return m
}

func (m *metrics) sessionStarted() {
	if m.sessions != nil {
		m.sessions.Add(context.Background(), 1)
	}
}

func (m *metrics) sessionStopped(reason StopReason) {
	if m.stops != nil {
		m.stops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}

func (m *metrics) transcript() {
	if m.transcripts != nil {
		m.transcripts.Add(context.Background(), 1)
	}
}
