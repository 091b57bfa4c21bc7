package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/atelier-crawler/internal/progress"
)

// LogSink writes run events to a zap logger. PAGE_DONE is logged at debug,
// failed and timed-out runs at warn, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink. A nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		ce := s.logger.Check(levelFor(evt.Stage), "run event")
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

// Close does nothing.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StagePageDone:
		return zapcore.DebugLevel
	case progress.StageRunFailed, progress.StageRunTimeout:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func eventFields(evt progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields,
		zap.String("run_id", evt.RunID),
		zap.String("stage", string(evt.Stage)),
		zap.Int("items", evt.Items),
	)
	if evt.Spider != "" {
		fields = append(fields, zap.String("spider", evt.Spider))
	}
	if evt.Status != "" {
		fields = append(fields, zap.String("status", string(evt.Status)))
	}
	if evt.Stage == progress.StagePageDone {
		fields = append(fields, zap.String("url", evt.URL), zap.Int("page", evt.Page))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}
