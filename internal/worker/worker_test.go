package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
	"github.com/stemsi/testsync/internal/repository"
)

type memQueue struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newMemQueue() *memQueue { return &memQueue{lists: make(map[string][]string)} }

func (q *memQueue) Push(_ context.Context, key string, items ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		q.lists[key] = append(q.lists[key], string(it))
	}
	return nil
}

func (q *memQueue) Pop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	q.mu.Lock()
	if l := q.lists[key]; len(l) > 0 {
		q.lists[key] = l[1:]
		q.mu.Unlock()
		return l[0], nil
	}
	q.mu.Unlock()
	if timeout > 0 {
		sleep(ctx, 5*time.Millisecond)
	}
	return "", ErrEmpty
}

func (q *memQueue) Len(_ context.Context, key string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[key])), nil
}

func (q *memQueue) items(key string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.lists[key]...)
}

type fakeDB struct {
	mu         sync.Mutex
	sessions   []*model.Session
	answers    map[string][]model.Answer
	events     []model.StoredEvent
	results    []repository.Finalization
	copyErr    error
	failSingle map[int64]bool
	saveErr    error
	active     []*model.Session
}

func newFakeDB() *fakeDB {
	return &fakeDB{answers: make(map[string][]model.Answer), failSingle: make(map[int64]bool)}
}

func (d *fakeDB) SaveSession(_ context.Context, s *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	d.sessions = append(d.sessions, s)
	return nil
}

func (d *fakeDB) AppendAnswer(_ context.Context, id string, a model.Answer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answers[id] = append(d.answers[id], a)
	return nil
}

func (d *fakeDB) AppendEvent(_ context.Context, ev model.StoredEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSingle[ev.Sequence] {
		return errors.New("insert failed")
	}
	d.events = append(d.events, ev)
	return nil
}

func (d *fakeDB) CopyEvents(_ context.Context, evs []model.StoredEvent) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.copyErr != nil {
		return 0, d.copyErr
	}
	d.events = append(d.events, evs...)
	return int64(len(evs)), nil
}

func (d *fakeDB) FinalizeBatch(_ context.Context, b []repository.Finalization) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, b...)
	return nil
}

func (d *fakeDB) LoadActiveSessions(context.Context) ([]*model.Session, error) {
	return d.active, nil
}

func (d *fakeDB) eventCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func quiet() zerolog.Logger { return zerolog.New(io.Discard) }

func TestQueueStoreRoutesWrites(t *testing.T) {
	q := newMemQueue()
	db := newFakeDB()
	db.active = []*model.Session{{ID: "s1"}}
	st := NewQueueStore(q, db)
	ctx := context.Background()

	if err := st.SaveSession(ctx, &model.Session{ID: "s1", LastEventSequence: 3}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendAnswer(ctx, "s1", model.Answer{QuestionID: 2, SelectedAnswer: "B"}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvent(ctx, model.StoredEvent{SessionID: "s1", Sequence: 3}); err != nil {
		t.Fatal(err)
	}
	if err := st.FinalizeSession(ctx, "s1", model.SessionStatusCompleted, model.ScoreResult{Score: 4}); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{
		config.WorkerKey.PersistSessionsQueue,
		config.WorkerKey.PersistAnswersQueue,
		config.WorkerKey.PersistEventsQueue,
		config.WorkerKey.PersistResultsQueue,
	} {
		if n := len(q.items(key)); n != 1 {
			t.Errorf("%s has %d items, want 1", key, n)
		}
	}

	var ap answerPayload
	if err := json.Unmarshal([]byte(q.items(config.WorkerKey.PersistAnswersQueue)[0]), &ap); err != nil {
		t.Fatal(err)
	}
	if ap.SessionID != "s1" || ap.Answer.SelectedAnswer != "B" {
		t.Errorf("answer payload = %+v", ap)
	}

	active, err := st.LoadActiveSessions(ctx)
	if err != nil || len(active) != 1 {
		t.Errorf("LoadActiveSessions = %v, %v", active, err)
	}
}

func TestPipelineDrain(t *testing.T) {
	q := newMemQueue()
	db := newFakeDB()
	st := NewQueueStore(q, db)
	ctx := context.Background()

	_ = st.SaveSession(ctx, &model.Session{ID: "s1"})
	_ = st.AppendAnswer(ctx, "s1", model.Answer{QuestionID: 1, SelectedAnswer: "A"})
	_ = st.AppendAnswer(ctx, "s1", model.Answer{QuestionID: 2, SelectedAnswer: "C"})
	for seq := int64(1); seq <= 3; seq++ {
		_ = st.AppendEvent(ctx, model.StoredEvent{SessionID: "s1", Sequence: seq})
	}
	_ = st.FinalizeSession(ctx, "s1", model.SessionStatusExpired, model.ScoreResult{})

	p := NewPipeline(q, db, quiet())
	if n := p.Drain(ctx); n != 7 {
		t.Errorf("drained %d, want 7", n)
	}
	if len(db.sessions) != 1 || len(db.answers["s1"]) != 2 || len(db.events) != 3 || len(db.results) != 1 {
		t.Errorf("db = %d sessions, %d answers, %d events, %d results",
			len(db.sessions), len(db.answers["s1"]), len(db.events), len(db.results))
	}
	if db.results[0].Status != model.SessionStatusExpired {
		t.Errorf("result status = %s", db.results[0].Status)
	}
}

func TestMalformedItemsDiscarded(t *testing.T) {
	q := newMemQueue()
	db := newFakeDB()
	_ = q.Push(context.Background(), config.WorkerKey.PersistAnswersQueue, []byte("{not json"), []byte(`{"answer":{}}`))

	w := NewAnswerWorker(q, db, quiet())
	if n := w.Drain(context.Background()); n != 0 {
		t.Errorf("drained %d, want 0", n)
	}
	if left := q.items(config.WorkerKey.PersistAnswersQueue); len(left) != 0 {
		t.Errorf("queue still holds %v", left)
	}
}

func TestSessionWorkerRequeuesOnFailure(t *testing.T) {
	q := newMemQueue()
	db := newFakeDB()
	db.saveErr = errors.New("db down")
	st := NewQueueStore(q, db)
	_ = st.SaveSession(context.Background(), &model.Session{ID: "s1"})

	w := NewSessionWorker(q, db, quiet())
	w.retryDelay = time.Millisecond
	w.processNext(context.Background())

	if left := q.items(config.WorkerKey.PersistSessionsQueue); len(left) != 1 {
		t.Fatalf("queue holds %d items, want the failed one back", len(left))
	}

	db.saveErr = nil
	w.processNext(context.Background())
	if len(db.sessions) != 1 {
		t.Errorf("saved %d sessions, want 1", len(db.sessions))
	}
}

func TestEventBatchFallsBackAndRequeues(t *testing.T) {
	q := newMemQueue()
	db := newFakeDB()
	db.copyErr = errors.New("duplicate key")
	db.failSingle[2] = true

	w := NewEventWorker(q, db, quiet())
	w.b.backoff = 0
	w.b.flushSafe(context.Background(), []model.StoredEvent{
		{SessionID: "s1", Sequence: 1},
		{SessionID: "s1", Sequence: 2},
		{SessionID: "s1", Sequence: 3},
	})

	if db.eventCount() != 2 {
		t.Errorf("stored %d events, want 2", db.eventCount())
	}
	left := q.items(config.WorkerKey.PersistEventsQueue)
	if len(left) != 1 {
		t.Fatalf("requeued %d, want 1", len(left))
	}
	var ev model.StoredEvent
	if err := json.Unmarshal([]byte(left[0]), &ev); err != nil || ev.Sequence != 2 {
		t.Errorf("requeued %s (%v)", left[0], err)
	}
}

func TestEventWorkerFlushesOnShutdown(t *testing.T) {
	q := newMemQueue()
	db := newFakeDB()
	st := NewQueueStore(q, db)
	for seq := int64(1); seq <= 5; seq++ {
		_ = st.AppendEvent(context.Background(), model.StoredEvent{SessionID: "s1", Sequence: seq})
	}

	w := NewEventWorker(q, db, quiet())
	w.b.timeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(q.items(config.WorkerKey.PersistEventsQueue)) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	if db.eventCount() != 5 {
		t.Errorf("stored %d events, want 5", db.eventCount())
	}
}
