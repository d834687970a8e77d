package session

import (
	"context"
	"time"

	"github.com/stemsi/testsync/internal/model"
)

// Store is the narrow persistence contract. Calls are made from a per-session
// outbox and retried on failure, so implementations must be idempotent.
type Store interface {
	SaveSession(ctx context.Context, s *model.Session) error
	AppendAnswer(ctx context.Context, sessionID string, a model.Answer) error
	AppendEvent(ctx context.Context, ev model.StoredEvent) error
	FinalizeSession(ctx context.Context, sessionID string, status model.SessionStatus, res model.ScoreResult) error
	LoadActiveSessions(ctx context.Context) ([]*model.Session, error)
}

// AnswerKeySource supplies the correct option per question id.
type AnswerKeySource interface {
	AnswerKey(ctx context.Context, questionIDs []int64) (map[int64]string, error)
}

// Emitter delivers an event to one live connection. It returns false when
// the connection is gone so the session can drop it from its participants.
type Emitter interface {
	Send(connID string, ev model.Event) bool
}

// Completion describes a session that reached a terminal status.
type Completion struct {
	SessionID string              `json:"session_id"`
	UserID    string              `json:"user_id"`
	TestType  string              `json:"test_type"`
	Status    model.SessionStatus `json:"status"`
	Result    model.ScoreResult   `json:"result"`
	At        time.Time           `json:"at"`
}

// Rewarder is the gamification collaborator. It returns the achievements
// newly unlocked by the completion, if any.
type Rewarder interface {
	OnCompleted(ctx context.Context, c Completion) ([]string, error)
}

// Clock is the time source every deadline decision uses.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
