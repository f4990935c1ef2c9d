// Package notify holds the broker-neutral encoding shared by the run
// notification backends.
package notify

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Attributer is implemented by payloads that carry routing attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Message is an encoded notification.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Key returns the partitioning key, the run id when present.
func (m Message) Key() string {
	return m.Attributes["run_id"]
}

// Encode marshals payload to JSON and copies its attributes.
func Encode(payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{Data: data, Attributes: map[string]string{}}
	if a, ok := payload.(Attributer); ok {
		maps.Copy(msg.Attributes, a.Attributes())
	}
	return msg, nil
}
