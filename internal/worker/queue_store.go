package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/repository"
)

// Persister is the durable side of the pipeline, implemented by
// repository.SessionRepository.
type Persister interface {
	SaveSession(ctx context.Context, s *model.Session) error
	AppendAnswer(ctx context.Context, sessionID string, a model.Answer) error
	AppendEvent(ctx context.Context, ev model.StoredEvent) error
	CopyEvents(ctx context.Context, events []model.StoredEvent) (int64, error)
	FinalizeBatch(ctx context.Context, batch []repository.Finalization) error
	LoadActiveSessions(ctx context.Context) ([]*model.Session, error)
}

type answerPayload struct {
	SessionID string       `json:"session_id"`
	Answer    model.Answer `json:"answer"`
}

// QueueStore acknowledges writes once they are on a Redis queue. The persist
// workers move them to PostgreSQL.
type QueueStore struct {
	queue Queue
	db    Persister
	clock func() time.Time
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(queue Queue, db Persister) *QueueStore {
	return &QueueStore{queue: queue, db: db, clock: time.Now}
}

func (s *QueueStore) push(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.queue.Push(ctx, key, raw); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

func (s *QueueStore) SaveSession(ctx context.Context, sess *model.Session) error {
	return s.push(ctx, config.WorkerKey.PersistSessionsQueue, sess)
}

func (s *QueueStore) AppendAnswer(ctx context.Context, sessionID string, a model.Answer) error {
	return s.push(ctx, config.WorkerKey.PersistAnswersQueue, answerPayload{SessionID: sessionID, Answer: a})
}

func (s *QueueStore) AppendEvent(ctx context.Context, ev model.StoredEvent) error {
	return s.push(ctx, config.WorkerKey.PersistEventsQueue, ev)
}

func (s *QueueStore) FinalizeSession(ctx context.Context, sessionID string, status model.SessionStatus, res model.ScoreResult) error {
	return s.push(ctx, config.WorkerKey.PersistResultsQueue, repository.Finalization{
		SessionID: sessionID,
		Status:    status,
		Result:    res,
		At:        s.clock(),
	})
}

// LoadActiveSessions reads from PostgreSQL. Drain the queues first so the
// rows reflect every acknowledged write.
func (s *QueueStore) LoadActiveSessions(ctx context.Context) ([]*model.Session, error) {
	return s.db.LoadActiveSessions(ctx)
}
