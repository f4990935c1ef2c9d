// Package kafka publishes run notifications to Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/notify"
)

// Config controls the Kafka writer.
type Config struct {
	Brokers      []string
	MaxAttempts  int
	WriteTimeout time.Duration
	// Backoff is the first retry delay; it doubles up to two seconds.
	Backoff time.Duration
}

// Writer is the subset of kafka.Writer the notifier needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier implements promotion.Notifier with keyed, retried writes. Messages
// for one run share a key and therefore a partition.
type Notifier struct {
	writer      Writer
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// New builds a Notifier with a hash-balanced kafka.Writer. The topic is set
// per message.
func New(cfg Config, logger *zap.Logger) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return NewWithWriter(w, cfg, logger), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer, cfg Config, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Notifier{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      logger.Named("kafka"),
	}
}

// Publish writes payload to topic and returns "topic/key".
func (n *Notifier) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("kafka: topic is required")
	}
	enc, err := notify.Encode(payload)
	if err != nil {
		return "", err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(enc.Key()),
		Value: enc.Data,
		Time:  time.Now().UTC(),
	}
	for k, v := range enc.Attributes {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	backoff := n.backoff
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.writer.WriteMessages(ctx, msg)
		if lastErr == nil {
			return topic + "/" + enc.Key(), nil
		}
		n.logger.Warn("kafka write failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == n.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("kafka publish: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 2*time.Second)
	}
	return "", fmt.Errorf("kafka publish after %d attempts: %w", n.maxAttempts, lastErr)
}

// Close flushes and closes the writer.
func (n *Notifier) Close() error {
	if err := n.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
