package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/testsync/internal/model"
)

// ─── Envelope ───────────────────────────────────────────────────────

// Envelope is the single message shape in both directions.
type Envelope struct {
	Type      model.EventType `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix millis
}

// OutboundEnvelope is the server → client form with a typed payload.
type OutboundEnvelope struct {
	Type      model.EventType `json:"type"`
	Payload   any             `json:"payload"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// FromEvent converts a session event to its wire form.
func FromEvent(ev model.Event) OutboundEnvelope {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return OutboundEnvelope{
		Type:      ev.Type,
		Payload:   ev.Payload,
		Sequence:  ev.Sequence,
		Timestamp: ts.UnixMilli(),
	}
}

// ─── Requests (Client → Server) ─────────────────────────────────────

// StartMode controls what happens when a live session already exists.
type StartMode string

const (
	StartModeDefault StartMode = ""
	StartModeResume  StartMode = "resume"
	StartModeAbandon StartMode = "abandon"
)

// StartRequest is the payload of an inbound test:start.
type StartRequest struct {
	TestType        string    `json:"testType" validate:"required,max=50"`
	QuestionsList   []int64   `json:"questionsList" validate:"required,min=1,max=500,dive,gt=0"`
	DurationMinutes int       `json:"durationMinutes" validate:"required,min=1,max=600"`
	Mode            StartMode `json:"mode" validate:"omitempty,oneof=resume abandon"`
}

// QuestionRequest is the payload of an inbound test:question.
type QuestionRequest struct {
	SessionID     string `json:"sessionId" validate:"required,uuid"`
	QuestionIndex *int   `json:"questionIndex" validate:"required"`
}

// AnswerRequest is the payload of an inbound test:answer.
type AnswerRequest struct {
	SessionID       string `json:"sessionId" validate:"required,uuid"`
	QuestionID      int64  `json:"questionId" validate:"required,gt=0"`
	Answer          string `json:"answer" validate:"required,max=64"`
	TimeSpent       int    `json:"timeSpent" validate:"min=0"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

// CompleteRequest is the payload of an inbound test:complete.
type CompleteRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

// ReconnectRequest is the payload of an inbound session:reconnect.
// A nil LastSequence asks for a full snapshot only.
type ReconnectRequest struct {
	SessionID    string `json:"sessionId" validate:"required,uuid"`
	LastSequence *int64 `json:"lastSequence" validate:"omitempty,min=0"`
}

// ─── Payloads (Server → Client) ─────────────────────────────────────

type StartPayload struct {
	SessionID       string  `json:"sessionId"`
	TestType        string  `json:"testType"`
	QuestionsList   []int64 `json:"questionsList"`
	DurationMinutes int     `json:"durationMinutes"`
	StartedAt       string  `json:"startedAt"`
	EndsAt          string  `json:"endsAt"`
}

type QuestionPayload struct {
	SessionID     string `json:"sessionId"`
	QuestionIndex int    `json:"questionIndex"`
	QuestionID    int64  `json:"questionId"`
	TimeRemaining int    `json:"timeRemaining"`
}

type AnswerPayload struct {
	SessionID  string `json:"sessionId"`
	QuestionID int64  `json:"questionId"`
	Answer     string `json:"answer"`
	TimeSpent  int    `json:"timeSpent"`
	Saved      bool   `json:"saved"`
	ServerTime int64  `json:"serverTime"`
}

type TimerPayload struct {
	SessionID     string `json:"sessionId"`
	TimeRemaining int    `json:"timeRemaining"`
	ServerTime    int64  `json:"serverTime"`
}

type CompletePayload struct {
	SessionID        string              `json:"sessionId"`
	Status           model.SessionStatus `json:"status"`
	Score            float64             `json:"score"`
	MaxScore         float64             `json:"maxScore"`
	TotalQuestions   int                 `json:"totalQuestions"`
	CorrectAnswers   int                 `json:"correctAnswers"`
	IncorrectAnswers int                 `json:"incorrectAnswers"`
	Unanswered       int                 `json:"unanswered"`
	Accuracy         float64             `json:"accuracy"`
	Rank             *int                `json:"rank,omitempty"`
	XPEarned         int                 `json:"xpEarned"`
}

type StatePayload struct {
	SessionID            string              `json:"sessionId"`
	UserID               string              `json:"userId,omitempty"`
	TestType             string              `json:"testType,omitempty"`
	CurrentQuestionIndex int                 `json:"currentQuestionIndex"`
	Answers              map[int64]string    `json:"answers"`
	TimeRemaining        int                 `json:"timeRemaining"`
	Status               model.SessionStatus `json:"status"`
	QuestionsList        []int64             `json:"questionsList"`
	LastSequence         int64               `json:"lastSequence"`
	Connected            bool                `json:"connected,omitempty"`
}

type AchievementsPayload struct {
	SessionID    string   `json:"sessionId"`
	Achievements []string `json:"achievements"`
}

type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
