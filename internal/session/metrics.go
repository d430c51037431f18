package session

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	starts  metric.Int64Counter
	stops   metric.Int64Counter
	results metric.Int64Counter
	stale   metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/session")
	m := &metrics{}
	var err error
	if m.starts, err = meter.Int64Counter("dictate.session.starts", metric.WithDescription("Recognition start attempts")); err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return &metrics{}
	}
	if m.stops, err = meter.Int64Counter("dictate.session.stops", metric.WithDescription("Recognition stop attempts")); err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return &metrics{}
	}
	if m.results, err = meter.Int64Counter("dictate.session.results", metric.WithDescription("Result events applied to the transcript")); err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return &metrics{}
	}
	if m.stale, err = meter.Int64Counter("dictate.session.stale_events", metric.WithDescription("Provider events discarded as stale")); err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return &metrics{}
	}
	return m
}

func outcome(ok bool) metric.AddOption {
	if ok {
		return metric.WithAttributes(attribute.String("outcome", "ok"))
	}
	return metric.WithAttributes(attribute.String("outcome", "error"))
}

func (m *metrics) start(ctx context.Context, ok bool) {
	if m.starts != nil {
		m.starts.Add(ctx, 1, outcome(ok))
	}
}

func (m *metrics) stop(ctx context.Context, ok bool) {
	if m.stops != nil {
		m.stops.Add(ctx, 1, outcome(ok))
	}
}

func (m *metrics) result(ctx context.Context) {
	if m.results != nil {
		m.results.Add(ctx, 1)
	}
}

func (m *metrics) staleEvent(ctx context.Context, kind speech.EventKind) {
	if m.stale != nil {
		m.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}
