package accesslog

import (
	"context"
	"log/slog"

	"github.com/oriys/orbit/internal/domain"
)

// Sink is the destination for access log batches. Implementations must be
// safe for concurrent use.
type Sink interface {
	SaveBatch(ctx context.Context, logs []*domain.AccessLog) error
	Close() error
}

// Repository is the write side of the access log store.
type Repository interface {
	InsertAccessLogs(ctx context.Context, logs []*domain.AccessLog) error
}

// StoreSink writes batches through the access log repository.
type StoreSink struct {
	repo Repository
}

func NewStoreSink(repo Repository) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) SaveBatch(ctx context.Context, logs []*domain.AccessLog) error {
	return s.repo.InsertAccessLogs(ctx, logs)
}

func (s *StoreSink) Close() error { return nil }

// SlogSink writes each entry as a structured log line. Useful when access
// logs are shipped by the log collector instead of stored.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) SaveBatch(ctx context.Context, logs []*domain.AccessLog) error {
	for _, l := range logs {
		routeID := ""
		if l.RouteID != nil {
			routeID = *l.RouteID
		}
		s.logger.LogAttrs(ctx, slog.LevelInfo, "access",
			slog.String("id", l.ID),
			slog.String("app_id", l.AppID),
			slog.String("route_id", routeID),
			slog.String("method", l.Method),
			slog.String("path", l.Path),
			slog.Int("status", l.StatusCode),
			slog.Int64("duration_ms", l.DurationMs),
			slog.Time("created_at", l.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

// MultiSink fans batches out to several sinks. The first error wins.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(primary Sink, secondary ...Sink) *MultiSink {
	sinks := make([]Sink, 0, 1+len(secondary))
	sinks = append(sinks, primary)
	sinks = append(sinks, secondary...)
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) SaveBatch(ctx context.Context, logs []*domain.AccessLog) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.SaveBatch(ctx, logs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) SaveBatch(context.Context, []*domain.AccessLog) error { return nil }
func (NoopSink) Close() error                                         { return nil }
