package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/model"
	ws "github.com/stemsi/testsync/internal/websocket"
)

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	GracePeriod    time.Duration
	Weights        map[string]Weights
	DefaultWeights *Weights
	Retry          RetryPolicy
	Clock          Clock
	MailboxSize    int
}

func (o Options) weightsFor(testType string) Weights {
	if w, ok := o.Weights[testType]; ok {
		return w
	}
	if o.DefaultWeights != nil {
		return *o.DefaultWeights
	}
	return DefaultWeights
}

// Caller identifies who issued a command and over which connection.
// ConnID is empty for callers that are not live connections.
type Caller struct {
	UserID string
	ConnID string
}

// StartParams are the inputs of Start.
type StartParams struct {
	TestType        string
	QuestionsList   []int64
	DurationMinutes int
	Mode            ws.StartMode
}

// StartResult is the session a Start call created or resumed.
type StartResult struct {
	Session *model.Session
	Resumed bool
}

// AnswerParams are the inputs of SubmitAnswer.
type AnswerParams struct {
	SessionID       string
	QuestionID      int64
	Answer          string
	TimeSpent       int
	ClientTimestamp int64
}

// AnswerResult reports whether the answer changed the session.
// Sequence is the event that recorded it, or the current cursor for a no-op.
type AnswerResult struct {
	Recorded bool
	Sequence int64
}

// Outcome is the terminal status and score of a session.
type Outcome struct {
	Status model.SessionStatus
	Result model.ScoreResult
}

// ReconnectResult is what a reconnecting connection was sent.
type ReconnectResult struct {
	Replayed []model.Event
	Resumed  bool
	State    ws.StatePayload
}

// View is a read-only snapshot with the time remaining at read time.
type View struct {
	Session       *model.Session
	TimeRemaining int
	Durable       bool
}

// Manager is the command surface over all live sessions.
type Manager struct {
	opts     Options
	clock    Clock
	registry *Registry
	store    Store
	keys     AnswerKeySource
	emitter  Emitter
	rewarder Rewarder
	log      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	// lifeMu orders wg.Add against Shutdown so no goroutine starts after Wait.
	lifeMu  sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewManager wires a Manager. rewarder may be nil.
func NewManager(store Store, keys AnswerKeySource, emitter Emitter, rewarder Rewarder, log zerolog.Logger, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Minute
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		clock:    opts.Clock,
		registry: NewRegistry(),
		store:    store,
		keys:     keys,
		emitter:  emitter,
		rewarder: rewarder,
		log:      log.With().Str("component", "session_manager").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry exposes the registry for the timer and for introspection.
func (m *Manager) Registry() *Registry { return m.registry }

// Clock returns the manager's time source.
func (m *Manager) Clock() Clock { return m.clock }

// ─── Lifecycle plumbing ─────────────────────────────────────────────

// launch starts the worker goroutines. It returns false once Shutdown has begun.
func (m *Manager) launch(w *worker) bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closing.Load() {
		return false
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		w.run()
	}()
	go func() {
		defer m.wg.Done()
		w.out.run(m.ctx)
	}()
	return true
}

// scheduleRetire evicts a terminal session once its grace window ends.
func (m *Manager) scheduleRetire(w *worker) {
	time.AfterFunc(m.opts.GracePeriod, func() { m.retire(w) })
}

func (m *Manager) retire(w *worker) {
	m.registry.remove(w.id)
	w.halt()
	w.out.close()
	w.log.Debug().Msg("Session retired")
}

func (m *Manager) notifyCompletion(w *worker, c Completion) {
	if m.rewarder == nil {
		return
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closing.Load() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()

		achievements, err := m.rewarder.OnCompleted(ctx, c)
		if err != nil {
			w.log.Warn().Err(err).Msg("Gamification hook failed")
			return
		}
		if len(achievements) == 0 {
			return
		}
		if err := w.submit(ctx, achievementsCmd{achievements: achievements}); err != nil {
			w.log.Debug().Err(err).Msg("Achievements not delivered")
		}
	}()
}

func (m *Manager) lookup(sessionID, userID string) (*worker, error) {
	w, ok := m.registry.get(sessionID)
	if !ok || w.userID != userID {
		return nil, newError(CodeSessionNotFound, ErrSessionNotFound, sessionID)
	}
	return w, nil
}

// ─── Commands ───────────────────────────────────────────────────────

func validateStart(p StartParams) error {
	details := map[string]any{}
	if p.TestType == "" {
		details["testType"] = "testType is required"
	}
	if len(p.QuestionsList) == 0 {
		details["questionsList"] = "questionsList must not be empty"
	}
	seen := make(map[int64]struct{}, len(p.QuestionsList))
	for _, id := range p.QuestionsList {
		if _, dup := seen[id]; dup {
			details["questionsList"] = fmt.Sprintf("question %d is listed twice", id)
			break
		}
		seen[id] = struct{}{}
	}
	if p.DurationMinutes <= 0 {
		details["durationMinutes"] = "durationMinutes must be positive"
	}
	if len(details) == 0 {
		return nil
	}
	e := newError(CodeValidation, ErrValidation, "")
	e.Details = map[string]any{"fields": details}
	return e
}

// Start creates a session for (caller, testType). A live session of the same
// test type yields AlreadyActive unless p.Mode asks to resume or abandon it.
func (m *Manager) Start(ctx context.Context, caller Caller, p StartParams) (*StartResult, error) {
	if m.closing.Load() {
		return nil, newError(CodeInternal, ErrShuttingDown, "")
	}
	if err := validateStart(p); err != nil {
		return nil, err
	}

	if existing, ok := m.registry.LiveFor(caller.UserID, p.TestType); ok {
		switch p.Mode {
		case ws.StartModeResume:
			if w, err := m.lookup(existing, caller.UserID); err == nil {
				return &StartResult{Session: w.snapshot(), Resumed: true}, nil
			}
		case ws.StartModeAbandon:
			if _, err := m.finishAs(ctx, existing, Caller{UserID: caller.UserID}, model.SessionStatusAbandoned); err != nil &&
				!errors.Is(err, ErrSessionNotFound) {
				return nil, err
			}
		default:
			return nil, alreadyActive(existing)
		}
	}

	key, err := m.keys.AnswerKey(ctx, p.QuestionsList)
	if err != nil {
		return nil, newError(CodeInternal, fmt.Errorf("load answer key: %w", err), "")
	}

	now := m.clock.Now()
	sess := &model.Session{
		ID:              uuid.NewString(),
		UserID:          caller.UserID,
		TestType:        p.TestType,
		QuestionsList:   append([]int64(nil), p.QuestionsList...),
		Answers:         make(map[int64]*model.Answer),
		StartedAt:       now,
		EndsAt:          now.Add(time.Duration(p.DurationMinutes) * time.Minute),
		DurationMinutes: p.DurationMinutes,
		Status:          model.SessionStatusInProgress,
	}

	w := newWorker(m, sess, key)
	if err := m.registry.add(w, true); err != nil {
		existing, _ := m.registry.LiveFor(caller.UserID, p.TestType)
		return nil, alreadyActive(existing)
	}
	if !m.launch(w) {
		m.registry.remove(w.id)
		return nil, newError(CodeInternal, ErrShuttingDown, "")
	}

	reply := make(chan error, 1)
	if err := w.submit(ctx, openCmd{connID: caller.ConnID, reply: reply}); err != nil {
		return nil, err
	}
	if _, err := await(ctx, w, reply); err != nil {
		return nil, err
	}

	w.log.Info().
		Int("questions", len(sess.QuestionsList)).
		Time("ends_at", sess.EndsAt).
		Msg("Session started")
	return &StartResult{Session: w.snapshot()}, nil
}

func alreadyActive(sessionID string) error {
	e := newError(CodeAlreadyActive, ErrAlreadyActive, sessionID)
	e.Details = map[string]any{"sessionId": sessionID}
	return e
}

// Navigate moves the session's current question pointer.
func (m *Manager) Navigate(ctx context.Context, caller Caller, sessionID string, index int) error {
	w, err := m.lookup(sessionID, caller.UserID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := w.submit(ctx, navigateCmd{caller: caller, index: index, reply: reply}); err != nil {
		return err
	}
	rerr, err := await(ctx, w, reply)
	if err != nil {
		return err
	}
	return rerr
}

// SubmitAnswer records an answer; last write wins per question id and an
// identical resubmission is a successful no-op.
func (m *Manager) SubmitAnswer(ctx context.Context, caller Caller, p AnswerParams) (AnswerResult, error) {
	w, err := m.lookup(p.SessionID, caller.UserID)
	if err != nil {
		return AnswerResult{}, err
	}
	if p.Answer == "" || p.TimeSpent < 0 {
		e := newError(CodeValidation, ErrValidation, p.SessionID)
		e.Details = map[string]any{"fields": map[string]any{"answer": "answer is required and timeSpent must not be negative"}}
		return AnswerResult{}, e
	}

	reply := make(chan answerReply, 1)
	if err := w.submit(ctx, answerCmd{caller: caller, p: p, reply: reply}); err != nil {
		return AnswerResult{}, err
	}
	r, err := await(ctx, w, reply)
	if err != nil {
		return AnswerResult{}, err
	}
	return r.res, r.err
}

// Complete scores the session exactly once; later calls return the stored outcome.
func (m *Manager) Complete(ctx context.Context, caller Caller, sessionID string) (Outcome, error) {
	return m.finishAs(ctx, sessionID, caller, model.SessionStatusCompleted)
}

func (m *Manager) finishAs(ctx context.Context, sessionID string, caller Caller, status model.SessionStatus) (Outcome, error) {
	w, err := m.lookup(sessionID, caller.UserID)
	if err != nil {
		return Outcome{}, err
	}
	return m.finishWorker(ctx, w, caller, status)
}

func (m *Manager) finishWorker(ctx context.Context, w *worker, caller Caller, status model.SessionStatus) (Outcome, error) {
	reply := make(chan completeReply, 1)
	if err := w.submit(ctx, completeCmd{caller: caller, status: status, reply: reply}); err != nil {
		return Outcome{}, err
	}
	r, err := await(ctx, w, reply)
	if err != nil {
		return Outcome{}, err
	}
	return r.out, r.err
}

// Reconnect attaches the caller's connection and sends it every event after
// lastSequence followed by a state snapshot. A nil lastSequence, or one the
// session can no longer serve, yields the snapshot alone.
func (m *Manager) Reconnect(ctx context.Context, caller Caller, sessionID string, lastSequence *int64) (ReconnectResult, error) {
	w, err := m.lookup(sessionID, caller.UserID)
	if err != nil {
		return ReconnectResult{}, err
	}
	reply := make(chan reconnectReply, 1)
	if err := w.submit(ctx, reconnectCmd{caller: caller, last: lastSequence, reply: reply}); err != nil {
		return ReconnectResult{}, err
	}
	r, err := await(ctx, w, reply)
	if err != nil {
		return ReconnectResult{}, err
	}
	return r.res, nil
}

// Detach removes a closed connection from a session. Status and deadline are untouched.
func (m *Manager) Detach(sessionID, connID string) {
	w, ok := m.registry.get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.submit(ctx, detachCmd{connID: connID}); err != nil {
		w.log.Debug().Err(err).Str("conn_id", connID).Msg("Detach skipped")
	}
}

// State returns the last committed snapshot without going through the worker.
func (m *Manager) State(sessionID, userID string) (View, error) {
	w, err := m.lookup(sessionID, userID)
	if err != nil {
		return View{}, err
	}
	return m.view(w), nil
}

func (m *Manager) view(w *worker) View {
	s := w.snapshot()
	v := View{Session: s, Durable: w.durable.Load()}
	if s.Status == model.SessionStatusInProgress {
		v.TimeRemaining = remainingSeconds(s.EndsAt, m.clock.Now())
	}
	return v
}

// ActiveFor lists the user's sessions that are still in progress.
func (m *Manager) ActiveFor(userID string) []View {
	var out []View
	for _, w := range m.registry.forUser(userID) {
		v := m.view(w)
		if v.Session.Status.IsLive() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.StartedAt.Before(out[j].Session.StartedAt) })
	return out
}

// Restore rebuilds live sessions from storage after a restart. Sessions past
// their deadline are finalized as expired with whatever answers were stored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	sessions, err := m.store.LoadActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })

	now := m.clock.Now()
	restored := 0
	for _, s := range sessions {
		if !s.Status.IsLive() {
			continue
		}
		if _, ok := m.registry.get(s.ID); ok {
			continue
		}

		key, err := m.keys.AnswerKey(ctx, s.QuestionsList)
		if err != nil {
			m.log.Error().Err(err).Str("session_id", s.ID).Msg("Restore skipped, answer key unavailable")
			continue
		}

		s.Status = model.SessionStatusInProgress
		s.Participants = nil
		s.Result = nil
		w := newWorker(m, s, key)

		duplicate := false
		if err := m.registry.add(w, true); err != nil {
			// A newer session already holds the slot; this one is abandoned.
			duplicate = true
			_ = m.registry.add(w, false)
		}
		if !m.launch(w) {
			m.registry.remove(w.id)
			return restored, ErrShuttingDown
		}
		restored++

		switch {
		case duplicate:
			if _, err := m.finishWorker(ctx, w, Caller{}, model.SessionStatusAbandoned); err != nil {
				w.log.Error().Err(err).Msg("Abandon duplicate on restore")
			}
		case !now.Before(s.EndsAt):
			if _, err := m.finishWorker(ctx, w, Caller{}, model.SessionStatusExpired); err != nil {
				w.log.Error().Err(err).Msg("Expire on restore")
			}
		default:
			w.log.Info().Time("ends_at", s.EndsAt).Msg("Session restored")
		}
	}
	return restored, nil
}

// Shutdown stops all workers and waits for queued persistence to drain or ctx to end.
// Sessions still in progress stay in progress in storage and are restored on the next boot.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifeMu.Lock()
	m.closing.Store(true)
	m.lifeMu.Unlock()
	for _, w := range m.registry.workers() {
		m.retire(w)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}
