package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic joins a base topic with sub-levels, ignoring empty parts.
func Topic(base string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if b := strings.Trim(base, "/"); b != "" {
		all = append(all, b)
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, "/")
}

// Message is the JSON envelope used on every topic.
type Message struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage wraps payload with a fresh id.
func NewMessage(source string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: uuid.NewString(), Source: source, Timestamp: time.Now().UTC(), Payload: data}, nil
}

// Decode parses an envelope and unmarshals its payload into v.
func Decode(data []byte, v any) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if v != nil && len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, v); err != nil {
			return &m, err
		}
	}
	return &m, nil
}
