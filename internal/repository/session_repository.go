package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/testsync/internal/model"
)

// Finalization is one terminal result to record.
type Finalization struct {
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	Result    model.ScoreResult   `json:"result"`
	At        time.Time           `json:"at"`
}

// SessionRepository handles test session data access.
// Every write is idempotent so queued writes can be replayed.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// SaveSession upserts a checkpoint. A checkpoint older than the stored one
// (by event sequence) is ignored, and a terminal status is never reverted.
func (r *SessionRepository) SaveSession(ctx context.Context, s *model.Session) error {
	questions, err := json.Marshal(s.QuestionsList)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	var score *float64
	if s.Result != nil {
		score = &s.Result.Score
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO test_sessions
		   (id, user_id, test_type, questions_list, current_question_index, answers,
		    started_at, ends_at, duration_minutes, status, last_event_sequence, score,
		    participant_count, last_seen_at, updated_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		    $13, CASE WHEN $13 > 0 THEN NOW() END, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   current_question_index = EXCLUDED.current_question_index,
		   answers                = EXCLUDED.answers,
		   status = CASE
		     WHEN test_sessions.status IN ('completed', 'expired', 'abandoned') THEN test_sessions.status
		     ELSE EXCLUDED.status END,
		   last_event_sequence    = EXCLUDED.last_event_sequence,
		   score                  = COALESCE(EXCLUDED.score, test_sessions.score),
		   participant_count      = EXCLUDED.participant_count,
		   last_seen_at           = COALESCE(EXCLUDED.last_seen_at, test_sessions.last_seen_at),
		   updated_at             = NOW()
		 WHERE test_sessions.last_event_sequence <= EXCLUDED.last_event_sequence`,
		s.ID, s.UserID, s.TestType, questions, s.CurrentQuestionIndex, answers,
		s.StartedAt, s.EndsAt, s.DurationMinutes, s.Status, s.LastEventSequence, score,
		len(s.Participants),
	)
	return err
}

// AppendAnswer upserts one answer, keeping the most recently recorded value.
func (r *SessionRepository) AppendAnswer(ctx context.Context, sessionID string, a model.Answer) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO test_session_answers
		   (session_id, question_id, selected_answer, time_spent_seconds, client_timestamp, server_recorded_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, question_id) DO UPDATE SET
		   selected_answer    = EXCLUDED.selected_answer,
		   time_spent_seconds = EXCLUDED.time_spent_seconds,
		   client_timestamp   = EXCLUDED.client_timestamp,
		   server_recorded_at = EXCLUDED.server_recorded_at
		 WHERE test_session_answers.server_recorded_at <= EXCLUDED.server_recorded_at`,
		sessionID, a.QuestionID, a.SelectedAnswer, a.TimeSpentSeconds, a.ClientTimestamp, a.ServerRecordedAt,
	)
	return err
}

// AppendEvent records one sequenced event. Replays of the same sequence are ignored.
func (r *SessionRepository) AppendEvent(ctx context.Context, ev model.StoredEvent) error {
	return r.AppendEvents(ctx, []model.StoredEvent{ev})
}

// AppendEvents records a batch of sequenced events in one statement.
func (r *SessionRepository) AppendEvents(ctx context.Context, events []model.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	n := len(events)
	sessionIDs := make([]string, 0, n)
	sequences := make([]int64, 0, n)
	userIDs := make([]string, 0, n)
	types := make([]string, 0, n)
	payloads := make([]string, 0, n)
	createdAts := make([]time.Time, 0, n)

	for _, ev := range events {
		payload := ev.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		sessionIDs = append(sessionIDs, ev.SessionID)
		sequences = append(sequences, ev.Sequence)
		userIDs = append(userIDs, ev.UserID)
		types = append(types, string(ev.Type))
		payloads = append(payloads, string(payload))
		createdAts = append(createdAts, ev.Timestamp)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO test_session_events (session_id, sequence, user_id, type, payload, created_at)
		 SELECT u.session_id::uuid, u.sequence, u.user_id, u.type, u.payload::jsonb, u.created_at
		 FROM UNNEST($1::text[], $2::bigint[], $3::text[], $4::text[], $5::text[], $6::timestamptz[])
		   AS u (session_id, sequence, user_id, type, payload, created_at)
		 ON CONFLICT (session_id, sequence) DO NOTHING`,
		sessionIDs, sequences, userIDs, types, payloads, createdAts,
	)
	return err
}

// CopyEvents bulk loads events with COPY. The whole batch fails if any
// sequence is already stored; callers fall back to AppendEvent.
func (r *SessionRepository) CopyEvents(ctx context.Context, events []model.StoredEvent) (int64, error) {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		sid, err := uuid.Parse(ev.SessionID)
		if err != nil {
			return 0, fmt.Errorf("session id %q: %w", ev.SessionID, err)
		}
		payload := ev.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		rows = append(rows, []any{sid, ev.Sequence, ev.UserID, string(ev.Type), []byte(payload), ev.Timestamp})
	}

	return r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"test_session_events"},
		[]string{"session_id", "sequence", "user_id", "type", "payload", "created_at"},
		pgx.CopyFromRows(rows),
	)
}

// FinalizeSession records the terminal result of a session.
func (r *SessionRepository) FinalizeSession(ctx context.Context, sessionID string, status model.SessionStatus, res model.ScoreResult) error {
	return r.FinalizeBatch(ctx, []Finalization{{SessionID: sessionID, Status: status, Result: res, At: time.Now()}})
}

// FinalizeBatch records terminal results. The first result per session wins.
func (r *SessionRepository) FinalizeBatch(ctx context.Context, batch []Finalization) error {
	if len(batch) == 0 {
		return nil
	}
	n := len(batch)
	ids := make([]string, 0, n)
	statuses := make([]string, 0, n)
	correct := make([]int32, 0, n)
	incorrect := make([]int32, 0, n)
	unanswered := make([]int32, 0, n)
	totals := make([]int32, 0, n)
	scores := make([]float64, 0, n)
	maxScores := make([]float64, 0, n)
	accuracies := make([]float64, 0, n)
	xps := make([]int32, 0, n)
	ats := make([]time.Time, 0, n)

	for _, f := range batch {
		at := f.At
		if at.IsZero() {
			at = time.Now()
		}
		ids = append(ids, f.SessionID)
		statuses = append(statuses, string(f.Status))
		correct = append(correct, int32(f.Result.CorrectCount))
		incorrect = append(incorrect, int32(f.Result.IncorrectCount))
		unanswered = append(unanswered, int32(f.Result.UnansweredCount))
		totals = append(totals, int32(f.Result.TotalQuestions))
		scores = append(scores, f.Result.Score)
		maxScores = append(maxScores, f.Result.MaxScore)
		accuracies = append(accuracies, f.Result.Accuracy)
		xps = append(xps, int32(f.Result.XPEarned))
		ats = append(ats, at)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO test_session_results
		   (session_id, status, correct_count, incorrect_count, unanswered_count, total_questions,
		    score, max_score, accuracy, xp_earned, finalized_at)
		 SELECT u.session_id::uuid, u.status, u.correct, u.incorrect, u.unanswered, u.total,
		        u.score, u.max_score, u.accuracy, u.xp, u.finalized_at
		 FROM UNNEST(
		   $1::text[], $2::text[], $3::int[], $4::int[], $5::int[], $6::int[],
		   $7::float8[], $8::float8[], $9::float8[], $10::int[], $11::timestamptz[])
		   AS u (session_id, status, correct, incorrect, unanswered, total, score, max_score, accuracy, xp, finalized_at)
		 ON CONFLICT (session_id) DO NOTHING`,
		ids, statuses, correct, incorrect, unanswered, totals, scores, maxScores, accuracies, xps, ats,
	); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE test_sessions AS s
		 SET status = r.status, score = r.score, updated_at = NOW()
		 FROM test_session_results AS r
		 WHERE r.session_id = s.id AND s.id = ANY($1::text[]::uuid[])`,
		ids,
	); err != nil {
		return fmt.Errorf("update sessions: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadActiveSessions returns every session still live in storage with its
// answers merged from the answer log.
func (r *SessionRepository) LoadActiveSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id::text, s.user_id, s.test_type, s.questions_list, s.current_question_index, s.answers,
		        s.started_at, s.ends_at, s.duration_minutes, s.status,
		        GREATEST(s.last_event_sequence,
		                 COALESCE((SELECT MAX(e.sequence) FROM test_session_events e WHERE e.session_id = s.id), 0))
		 FROM test_sessions s
		 WHERE s.status IN ('created', 'in_progress')
		   AND NOT EXISTS (SELECT 1 FROM test_session_results r WHERE r.session_id = s.id)
		 ORDER BY s.started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*model.Session)
	var sessions []*model.Session
	for rows.Next() {
		var (
			s         model.Session
			questions []byte
			answers   []byte
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.TestType, &questions, &s.CurrentQuestionIndex, &answers,
			&s.StartedAt, &s.EndsAt, &s.DurationMinutes, &s.Status, &s.LastEventSequence); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(questions, &s.QuestionsList); err != nil {
			return nil, fmt.Errorf("session %s questions: %w", s.ID, err)
		}
		s.Answers = make(map[int64]*model.Answer)
		if len(answers) > 0 {
			if err := json.Unmarshal(answers, &s.Answers); err != nil {
				return nil, fmt.Errorf("session %s answers: %w", s.ID, err)
			}
		}
		byID[s.ID] = &s
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	if err := r.mergeAnswers(ctx, ids, byID); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) mergeAnswers(ctx context.Context, ids []string, byID map[string]*model.Session) error {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id::text, question_id, selected_answer, time_spent_seconds, client_timestamp, server_recorded_at
		 FROM test_session_answers
		 WHERE session_id = ANY($1::text[]::uuid[])`, ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionID string
			a         model.Answer
		)
		if err := rows.Scan(&sessionID, &a.QuestionID, &a.SelectedAnswer, &a.TimeSpentSeconds, &a.ClientTimestamp, &a.ServerRecordedAt); err != nil {
			return err
		}
		s, ok := byID[sessionID]
		if !ok {
			continue
		}
		if prev, ok := s.Answers[a.QuestionID]; !ok || !prev.ServerRecordedAt.After(a.ServerRecordedAt) {
			ans := a
			s.Answers[a.QuestionID] = &ans
		}
	}
	return rows.Err()
}
