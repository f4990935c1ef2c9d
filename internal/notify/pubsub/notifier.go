// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/notify"
)

// Notifier implements promotion.Notifier on a Pub/Sub client. Topic handles
// are created lazily and reused so the client can batch.
type Notifier struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New connects a client for projectID using Application Default Credentials.
// PUBSUB_EMULATOR_HOST is honored by the client library.
func New(ctx context.Context, projectID string, logger *zap.Logger) (*Notifier, error) {
	if projectID == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *pubsub.Client, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client: client,
		logger: logger.Named("pubsub"),
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish marshals payload to JSON and waits for the server to acknowledge it.
func (n *Notifier) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if n == nil || n.client == nil {
		return "", errors.New("pubsub notifier is not configured")
	}
	if topic == "" {
		return "", errors.New("pubsub: topic is required")
	}
	msg, err := notify.Encode(payload)
	if err != nil {
		return "", err
	}
	result := n.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: msg.Attributes,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (n *Notifier) topic(name string) *pubsub.Topic {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.topics[name]
	if !ok {
		t = n.client.Topic(name)
		n.topics[name] = t
	}
	return t
}

// Close flushes pending messages and closes the client.
func (n *Notifier) Close() error {
	n.mu.Lock()
	for name, t := range n.topics {
		t.Stop()
		delete(n.topics, name)
	}
	n.mu.Unlock()
	if err := n.client.Close(); err != nil {
		n.logger.Warn("pubsub client close failed", zap.Error(err))
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
