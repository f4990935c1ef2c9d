// Package memory records run notifications in process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/linkcascade/internal/notify"
)

// Published is one recorded notification.
type Published struct {
	ID      string
	Topic   string
	Message notify.Message
}

// Notifier implements promotion.Notifier by appending to a slice.
type Notifier struct {
	mu  sync.Mutex
	out []Published
}

// New constructs a Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Publish records payload under topic.
func (n *Notifier) Publish(_ context.Context, topic string, payload any) (string, error) {
	msg, err := notify.Encode(payload)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id := fmt.Sprintf("mem-%d", len(n.out)+1)
	n.out = append(n.out, Published{ID: id, Topic: topic, Message: msg})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (n *Notifier) Messages() []Published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Published(nil), n.out...)
}

// Close is a no-op.
func (n *Notifier) Close() error { return nil }
