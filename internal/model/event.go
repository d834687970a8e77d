package model

import (
	"encoding/json"
	"time"
)

// EventType is the wire "type" of a message.
type EventType string

const (
	EventTestStart            EventType = "test:start"
	EventTestQuestion         EventType = "test:question"
	EventTestAnswer           EventType = "test:answer"
	EventTestTimer            EventType = "test:timer"
	EventTestComplete         EventType = "test:complete"
	EventSessionReconnect     EventType = "session:reconnect"
	EventSessionState         EventType = "session:state"
	EventAchievementsUnlocked EventType = "achievements:unlocked"
	EventError                EventType = "error"
)

// Event is an outbound message. Sequence is zero for transient messages
// (timer ticks, snapshots, errors) that are not part of the resume log.
type Event struct {
	Sequence  int64     `json:"sequence,omitempty"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredEvent is the persisted form of a sequenced event.
type StoredEvent struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// QuestionKey is the answer key entry of one question supplied by the question bank.
type QuestionKey struct {
	QuestionID    int64  `json:"question_id"`
	CorrectAnswer string `json:"correct_answer"`
}
