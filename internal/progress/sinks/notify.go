package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// RunNotification is the broker payload published when a run finishes.
type RunNotification struct {
	RunID     string              `json:"run_id"`
	Status    promotion.RunStatus `json:"status"`
	ReportURI string              `json:"report_uri,omitempty"`
	Error     string              `json:"error,omitempty"`
	At        time.Time           `json:"at"`
}

// Attributes are the routing attributes brokers attach to the message.
func (n RunNotification) Attributes() map[string]string {
	return map[string]string{
		"run_id": n.RunID,
		"status": string(n.Status),
	}
}

// NotifySink publishes terminal run transitions to a broker topic.
type NotifySink struct {
	notifier promotion.Notifier
	topic    string
	logger   *zap.Logger
}

// NewNotifySink builds a sink publishing to topic through notifier.
func NewNotifySink(notifier promotion.Notifier, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{notifier: notifier, topic: topic, logger: logger}
}

// Consume publishes one notification per terminal RUN_STATUS event. Every
// event is attempted; failures are joined.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.notifier == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageRunStatus || !evt.Status.IsTerminal() {
			continue
		}
		msg := RunNotification{
			RunID:     evt.RunID,
			Status:    evt.Status,
			ReportURI: evt.URL,
			Error:     evt.Note,
			At:        evt.TS,
		}
		id, err := s.notifier.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run notification published",
			zap.String("run_id", evt.RunID),
			zap.String("status", string(evt.Status)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
