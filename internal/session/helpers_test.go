package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/model"
)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type finalized struct {
	status model.SessionStatus
	result model.ScoreResult
}

type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]*model.Session
	answers   map[string][]model.Answer
	events    map[string][]model.StoredEvent
	finals    map[string][]finalized
	active    []*model.Session
	failsLeft map[string]int // op -> remaining failures
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]*model.Session),
		answers:   make(map[string][]model.Answer),
		events:    make(map[string][]model.StoredEvent),
		finals:    make(map[string][]finalized),
		failsLeft: make(map[string]int),
	}
}

var errStoreDown = errors.New("store unavailable")

func (s *fakeStore) fail(op string) error {
	if s.failsLeft[op] > 0 {
		s.failsLeft[op]--
		return errStoreDown
	}
	return nil
}

func (s *fakeStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("save_session"); err != nil {
		return err
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *fakeStore) AppendAnswer(_ context.Context, sessionID string, a model.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("append_answer"); err != nil {
		return err
	}
	s.answers[sessionID] = append(s.answers[sessionID], a)
	return nil
}

func (s *fakeStore) AppendEvent(_ context.Context, ev model.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("append_event"); err != nil {
		return err
	}
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

func (s *fakeStore) FinalizeSession(_ context.Context, sessionID string, status model.SessionStatus, res model.ScoreResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("finalize_session"); err != nil {
		return err
	}
	s.finals[sessionID] = append(s.finals[sessionID], finalized{status: status, result: res})
	return nil
}

func (s *fakeStore) LoadActiveSessions(context.Context) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Session, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (s *fakeStore) finalsFor(id string) []finalized {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]finalized(nil), s.finals[id]...)
}

func (s *fakeStore) eventsFor(id string) []model.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StoredEvent(nil), s.events[id]...)
}

type staticKeys map[int64]string

func (k staticKeys) AnswerKey(_ context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if v, ok := k[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	sent   map[string][]model.Event
	closed map[string]bool
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{sent: make(map[string][]model.Event), closed: make(map[string]bool)}
}

func (e *fakeEmitter) Send(connID string, ev model.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed[connID] {
		return false
	}
	e.sent[connID] = append(e.sent[connID], ev)
	return true
}

func (e *fakeEmitter) events(connID string) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Event(nil), e.sent[connID]...)
}

func (e *fakeEmitter) ofType(connID string, typ model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range e.events(connID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *fakeEmitter) close(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed[connID] = true
}

type fakeRewarder struct {
	mu    sync.Mutex
	calls []Completion
	award []string
}

func (r *fakeRewarder) OnCompleted(_ context.Context, c Completion) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.award, nil
}

func (r *fakeRewarder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// ─── Harness ────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	m       *Manager
	clock   *fakeClock
	store   *fakeStore
	emitter *fakeEmitter
	reward  *fakeRewarder
}

var testKey = staticKeys{1: "A", 2: "B", 3: "C", 4: "D", 5: "A"}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   newFakeClock(),
		store:   newFakeStore(),
		emitter: newFakeEmitter(),
		reward:  &fakeRewarder{},
	}
	opts := Options{
		GracePeriod: time.Hour,
		Clock:       h.clock,
		Retry:       RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.m = NewManager(h.store, testKey, h.emitter, h.reward, zerolog.Nop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(user, conn string, questions []int64, minutes int) *model.Session {
	h.t.Helper()
	res, err := h.m.Start(context.Background(), Caller{UserID: user, ConnID: conn}, StartParams{
		TestType:        "mock",
		QuestionsList:   questions,
		DurationMinutes: minutes,
	})
	if err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	return res.Session
}

func (h *harness) answer(user, conn, sessionID string, qid int64, ans string) AnswerResult {
	h.t.Helper()
	res, err := h.m.SubmitAnswer(context.Background(), Caller{UserID: user, ConnID: conn}, AnswerParams{
		SessionID:  sessionID,
		QuestionID: qid,
		Answer:     ans,
		TimeSpent:  10,
	})
	if err != nil {
		h.t.Fatalf("SubmitAnswer(q%d=%s): %v", qid, ans, err)
	}
	return res
}

// barrierCmd lets a test wait until every earlier command has been applied.
type barrierCmd struct{ done chan struct{} }

func (c barrierCmd) apply(*worker) { close(c.done) }

// settle waits for the worker of sessionID to drain its mailbox.
func (h *harness) settle(sessionID string) {
	h.t.Helper()
	w, ok := h.m.registry.get(sessionID)
	if !ok {
		h.t.Fatalf("session %s not registered", sessionID)
	}
	done := make(chan struct{})
	if err := w.submit(context.Background(), barrierCmd{done: done}); err != nil {
		h.t.Fatalf("barrier: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("worker did not settle")
	}
}

// drain stops the manager so every queued write has reached the store.
func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		h.t.Fatalf("Shutdown: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sequences(events []model.Event) []int64 {
	var out []int64
	for _, ev := range events {
		if ev.Sequence > 0 {
			out = append(out, ev.Sequence)
		}
	}
	return out
}
