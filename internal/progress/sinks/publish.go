package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/progress"
)

// RunNotification is the message published when a run reaches a terminal status.
type RunNotification struct {
	RunID        string `json:"run_id"`
	Spider       string `json:"spider_name"`
	Status       string `json:"status"`
	ItemsScraped int    `json:"items_scraped"`
	ErrorMessage string `json:"error_message,omitempty"`
	CompletedAt  string `json:"completed_at"`
	DurationMs   int64  `json:"duration_ms"`
}

// PublishSink forwards terminal run events to a Publisher topic.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a PublishSink. An empty topic disables publishing.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per terminal event. Failures are joined
// and returned after the whole batch has been attempted.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		msg := RunNotification{
			RunID:        evt.RunID,
			Spider:       evt.Spider,
			Status:       string(evt.Status),
			ItemsScraped: evt.Items,
			ErrorMessage: evt.Note,
			CompletedAt:  evt.TS.UTC().Format(time.RFC3339),
			DurationMs:   evt.Dur.Milliseconds(),
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run notification published",
			zap.String("run_id", evt.RunID),
			zap.String("topic", s.topic),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

// Attributes exposes routing attributes for message brokers.
func (n RunNotification) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "status": n.Status, "spider": n.Spider}
}
