package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"yqhp/coordinator/pkg/metrics"
)

// Sink receives event batches from the pipeline.
type Sink interface {
	// Start prepares the sink for writes.
	Start() error
	// Write delivers a batch. Implementations must not retain the slice.
	Write(events []Event)
	// Stop flushes and releases the sink.
	Stop() error
	// Name identifies the sink in logs.
	Name() string
}

// LogSink writes every event to the structured log.
type LogSink struct {
	lg *zap.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg}
}

// Start implements Sink.
func (s *LogSink) Start() error { return nil }

// Write implements Sink.
func (s *LogSink) Write(events []Event) {
	for _, e := range events {
		s.lg.Debug("audit",
			zap.String("kind", string(e.Kind)),
			zap.String("component", e.Component),
			zap.String("ref", e.Ref),
			zap.Any("fields", e.Fields),
			zap.Time("at", e.Time),
		)
	}
}

// Stop implements Sink.
func (s *LogSink) Stop() error { return s.lg.Sync() }

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// CountersSink counts events per kind in the metric registry, so the
// control surface can report how often each decision fired.
type CountersSink struct {
	registry *metrics.Registry
}

// NewCountersSink creates a sink over the given registry.
func NewCountersSink(registry *metrics.Registry) *CountersSink {
	return &CountersSink{registry: registry}
}

// Start implements Sink.
func (s *CountersSink) Start() error { return nil }

// Write implements Sink.
func (s *CountersSink) Write(events []Event) {
	for _, e := range events {
		s.registry.Counter(string(e.Kind)).Add(1)
	}
}

// Stop implements Sink.
func (s *CountersSink) Stop() error { return nil }

// Name implements Sink.
func (s *CountersSink) Name() string { return "counters" }

// EventWriter persists single events. The durable store implements it.
type EventWriter interface {
	AppendEvent(ctx context.Context, event Event) error
}

// storeWriteTimeout bounds one persistence call so a wedged backend cannot
// stall the dispatch loop forever.
const storeWriteTimeout = 5 * time.Second

// StoreSink appends events to the durable store.
type StoreSink struct {
	writer EventWriter
	lg     *zap.Logger
}

// NewStoreSink creates a sink over the given writer.
func NewStoreSink(writer EventWriter, lg *zap.Logger) *StoreSink {
	return &StoreSink{writer: writer, lg: lg}
}

// Start implements Sink.
func (s *StoreSink) Start() error { return nil }

// Write implements Sink.
func (s *StoreSink) Write(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	for _, e := range events {
		if err := s.writer.AppendEvent(ctx, e); err != nil {
			s.lg.Warn("audit store append failed",
				zap.String("kind", string(e.Kind)),
				zap.Error(err),
			)
			return
		}
	}
}

// Stop implements Sink.
func (s *StoreSink) Stop() error { return nil }

// Name implements Sink.
func (s *StoreSink) Name() string { return "store" }
