package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stemsi/testsync/internal/model"
)

// ErrorEvent builds an unsequenced error message.
func ErrorEvent(code, message string, details map[string]any) model.Event {
	return model.Event{
		Type:      model.EventError,
		Payload:   ErrorPayload{Code: code, Message: message, Details: details},
		Timestamp: time.Now(),
	}
}

// WriteEvent queues ev on c without sequencing it.
func WriteEvent(c *Connection, ev model.Event) error {
	return c.Enqueue(FromEvent(ev))
}

// DecodePayload unmarshals an envelope payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}
