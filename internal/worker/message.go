package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MsgSkipWaiting = "skipWaiting"
	MsgClearCache  = "clearCache"
	// MsgRevalidate is reserved. It is accepted and ignored.
	MsgRevalidate = "revalidate"
)

var (
	ErrUnknownMessage = errors.New("worker: unknown message")
	ErrNoController   = errors.New("worker: no active worker")
)

// Message is a fire-and-forget signal from the host to the worker.
type Message struct {
	Type string `json:"type"`
}

// ParseMessage accepts a bare string ("clearCache"), a JSON string
// ("\"clearCache\"") or an object ({"type":"clearCache"}).
func ParseMessage(b []byte) (Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		if s == "" {
			return Message{}, fmt.Errorf("empty message")
		}
		return Message{Type: s}, nil
	case '{':
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		if m.Type == "" {
			return Message{}, fmt.Errorf("message type is required")
		}
		return m, nil
	default:
		return Message{Type: string(b)}, nil
	}
}
