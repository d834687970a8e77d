package model

import (
	"time"
)

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	SessionStatusCreated    SessionStatus = "created"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// IsTerminal reports whether no further mutation is allowed.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusAbandoned:
		return true
	}
	return false
}

// IsLive reports whether the status counts toward the one-live-session-per-test-type rule.
func (s SessionStatus) IsLive() bool {
	return s == SessionStatusCreated || s == SessionStatusInProgress
}

// Session is one timed exam attempt for one user.
type Session struct {
	ID                   string            `json:"session_id"`
	UserID               string            `json:"user_id"`
	TestType             string            `json:"test_type"`
	QuestionsList        []int64           `json:"questions_list"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	Answers              map[int64]*Answer `json:"answers"`
	StartedAt            time.Time         `json:"started_at"`
	EndsAt               time.Time         `json:"ends_at"`
	DurationMinutes      int               `json:"duration_minutes"`
	Status               SessionStatus     `json:"status"`
	Participants         []string          `json:"participants"`
	LastEventSequence    int64             `json:"last_event_sequence"`
	Result               *ScoreResult      `json:"result,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	cp := *s
	cp.QuestionsList = append([]int64(nil), s.QuestionsList...)
	cp.Participants = append([]string(nil), s.Participants...)
	cp.Answers = make(map[int64]*Answer, len(s.Answers))
	for qid, a := range s.Answers {
		ac := *a
		cp.Answers[qid] = &ac
	}
	if s.Result != nil {
		r := *s.Result
		cp.Result = &r
	}
	return &cp
}

// SelectedAnswers flattens the answer map to questionId -> selected option.
func (s *Session) SelectedAnswers() map[int64]string {
	out := make(map[int64]string, len(s.Answers))
	for qid, a := range s.Answers {
		out[qid] = a.SelectedAnswer
	}
	return out
}

// HasQuestion reports whether questionID belongs to the session.
func (s *Session) HasQuestion(questionID int64) bool {
	for _, id := range s.QuestionsList {
		if id == questionID {
			return true
		}
	}
	return false
}

// Answer is one recorded answer. ClientTimestamp is advisory only.
type Answer struct {
	QuestionID       int64     `json:"question_id"`
	SelectedAnswer   string    `json:"selected_answer"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	ClientTimestamp  int64     `json:"client_timestamp,omitempty"`
	ServerRecordedAt time.Time `json:"server_recorded_at"`
}

// ScoreResult is the output of scoring a session.
type ScoreResult struct {
	CorrectCount    int     `json:"correct_count"`
	IncorrectCount  int     `json:"incorrect_count"`
	UnansweredCount int     `json:"unanswered_count"`
	TotalQuestions  int     `json:"total_questions"`
	Score           float64 `json:"score"`
	MaxScore        float64 `json:"max_score"`
	Accuracy        float64 `json:"accuracy"`
	XPEarned        int     `json:"xp_earned"`
}
