package privacykit

import (
	"context"
	"log/slog"
)

// NoopEventSink discards all notifications.
type NoopEventSink struct{}

// NewNoopEventSink creates an event sink that does nothing.
func NewNoopEventSink() *NoopEventSink { return &NoopEventSink{} }

func (s *NoopEventSink) Emit(ctx context.Context, event string, fields map[string]any) {}

// LogEventSink forwards notifications to a structured logger at debug level,
// except error-class events which log at warn.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates an event sink backed by the given logger. A nil
// logger falls back to slog.Default.
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger}
}

func (s *LogEventSink) Emit(ctx context.Context, event string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	switch event {
	case EventOperationError, EventOperationDeadLetter, EventAuditError:
		s.logger.WarnContext(ctx, event, attrs...)
	default:
		s.logger.DebugContext(ctx, event, attrs...)
	}
}

// LogDeadLetterSink records dead-lettered operations to a structured logger.
// Dead letters are observable but not durably persisted.
type LogDeadLetterSink struct {
	logger *slog.Logger
}

// NewLogDeadLetterSink creates a logging dead-letter sink.
func NewLogDeadLetterSink(logger *slog.Logger) *LogDeadLetterSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeadLetterSink{logger: logger}
}

func (s *LogDeadLetterSink) DeadLetter(ctx context.Context, op QueuedOperation, lastErr error) {
	s.logger.ErrorContext(ctx, "operation dead-lettered",
		"operation_id", op.ID,
		"type", string(op.Type),
		"table", op.Table,
		"entity_id", op.EntityID,
		"retries", op.RetryCount,
		"error", lastErr,
	)
}
