package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/metrics"
	"github.com/stemsi/testsync/internal/model"
	ws "github.com/stemsi/testsync/internal/websocket"
)

// driftWarnThreshold is how far a client clock may disagree before it is logged.
const driftWarnThreshold = 5 * time.Second

// command is one serialized operation on a session.
type command interface {
	apply(w *worker)
}

// worker owns one session. Every mutation runs on its goroutine, so
// session fields need no locking; readers use the published snapshot.
type worker struct {
	m        *Manager
	id       string
	userID   string
	testType string

	sess         *model.Session
	key          map[int64]string
	weights      Weights
	seq          *Sequencer
	participants map[string]struct{}
	lastTick     int

	mailbox  chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	snap    atomic.Pointer[model.Session]
	durable atomic.Bool
	out     *outbox
	log     zerolog.Logger
}

func newWorker(m *Manager, sess *model.Session, key map[int64]string) *worker {
	if sess.Answers == nil {
		sess.Answers = make(map[int64]*model.Answer)
	}
	w := &worker{
		m:            m,
		id:           sess.ID,
		userID:       sess.UserID,
		testType:     sess.TestType,
		sess:         sess,
		key:          key,
		weights:      m.opts.weightsFor(sess.TestType),
		seq:          NewSequencer(sess.LastEventSequence),
		participants: make(map[string]struct{}),
		lastTick:     -1,
		mailbox:      make(chan command, m.opts.MailboxSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		log: m.log.With().
			Str("session_id", sess.ID).
			Str("user_id", sess.UserID).
			Str("test_type", sess.TestType).
			Logger(),
	}
	w.out = newOutbox(m.opts.Retry, w.log)
	w.publish()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case cmd := <-w.mailbox:
			cmd.apply(w)
		case <-w.stop:
			return
		}
	}
}

func (w *worker) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// submit queues cmd, failing with SessionNotFound once the worker is gone.
func (w *worker) submit(ctx context.Context, cmd command) error {
	select {
	case <-w.done:
		return newError(CodeSessionNotFound, ErrSessionNotFound, w.id)
	default:
	}
	select {
	case w.mailbox <- cmd:
		return nil
	case <-w.done:
		return newError(CodeSessionNotFound, ErrSessionNotFound, w.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer queues cmd without waiting; false means the mailbox is full.
func (w *worker) offer(cmd command) bool {
	select {
	case w.mailbox <- cmd:
		return true
	default:
		return false
	}
}

func await[T any](ctx context.Context, w *worker, reply <-chan T) (T, error) {
	var zero T
	select {
	case r := <-reply:
		return r, nil
	case <-w.done:
		select {
		case r := <-reply:
			return r, nil
		default:
		}
		return zero, newError(CodeSessionNotFound, ErrSessionNotFound, w.id)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// snapshot returns the last committed state. The value must not be mutated.
func (w *worker) snapshot() *model.Session {
	return w.snap.Load()
}

func (w *worker) publish() {
	cp := w.sess.Clone()
	cp.Participants = make([]string, 0, len(w.participants))
	for id := range w.participants {
		cp.Participants = append(cp.Participants, id)
	}
	sort.Strings(cp.Participants)
	w.snap.Store(cp)
}

// ─── Participants ───────────────────────────────────────────────────

// attach adds connID to the participants and reports whether it was new.
func (w *worker) attach(connID string) bool {
	if connID == "" {
		return false
	}
	if _, ok := w.participants[connID]; ok {
		return false
	}
	w.participants[connID] = struct{}{}
	w.log.Debug().Str("conn_id", connID).Int("participants", len(w.participants)).Msg("Connection attached")
	return true
}

// ─── Emission ───────────────────────────────────────────────────────

// emit sequences an event, delivers it to every participant and queues it
// for the durable log.
func (w *worker) emit(typ model.EventType, payload any) model.Event {
	ev := w.seq.Next(typ, payload, w.m.clock.Now())
	w.sess.LastEventSequence = ev.Sequence
	w.broadcast(ev)
	metrics.EventsEmitted.WithLabelValues(string(typ)).Inc()

	raw, err := json.Marshal(payload)
	if err != nil {
		w.log.Error().Err(err).Str("type", string(typ)).Msg("Marshal event payload")
		return ev
	}
	stored := model.StoredEvent{
		SessionID: w.id,
		UserID:    w.userID,
		Sequence:  ev.Sequence,
		Type:      typ,
		Payload:   raw,
		Timestamp: ev.Timestamp,
	}
	w.out.enqueue(persistJob{
		op:  "append_event",
		run: func(ctx context.Context) error { return w.m.store.AppendEvent(ctx, stored) },
	})
	return ev
}

func (w *worker) broadcast(ev model.Event) {
	for connID := range w.participants {
		w.sendTo(connID, ev)
	}
}

func (w *worker) sendTo(connID string, ev model.Event) {
	if connID == "" {
		return
	}
	if !w.m.emitter.Send(connID, ev) {
		delete(w.participants, connID)
		w.log.Debug().Str("conn_id", connID).Msg("Dropped unreachable participant")
	}
}

func (w *worker) checkpoint() {
	cp := w.snapshot()
	w.out.enqueue(persistJob{
		op:  "save_session",
		run: func(ctx context.Context) error { return w.m.store.SaveSession(ctx, cp) },
	})
}

// ─── Time ───────────────────────────────────────────────────────────

func remainingSeconds(endsAt, now time.Time) int {
	d := endsAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// deadlinePassed expires the session if its deadline is behind now.
func (w *worker) deadlinePassed(now time.Time) bool {
	if w.sess.Status == model.SessionStatusInProgress && !now.Before(w.sess.EndsAt) {
		w.log.Info().Msg("Deadline reached")
		w.finish(model.SessionStatusExpired)
		return true
	}
	return false
}

func (w *worker) statePayload(now time.Time) ws.StatePayload {
	remaining := 0
	if w.sess.Status == model.SessionStatusInProgress {
		remaining = remainingSeconds(w.sess.EndsAt, now)
	}
	return ws.StatePayload{
		SessionID:            w.id,
		UserID:               w.userID,
		TestType:             w.testType,
		CurrentQuestionIndex: w.sess.CurrentQuestionIndex,
		Answers:              w.sess.SelectedAnswers(),
		TimeRemaining:        remaining,
		Status:               w.sess.Status,
		QuestionsList:        append([]int64(nil), w.sess.QuestionsList...),
		LastSequence:         w.seq.Last(),
		Connected:            true,
	}
}

// ─── Completion ─────────────────────────────────────────────────────

// finish moves the session to a terminal status. It runs at most once per
// session because every caller checks for a stored result first.
func (w *worker) finish(status model.SessionStatus) model.ScoreResult {
	res := Score(w.sess.QuestionsList, w.sess.SelectedAnswers(), w.key, w.weights)
	w.sess.Status = status
	w.sess.Result = &res

	w.emit(model.EventTestComplete, w.completePayload(status, res))
	w.publish()
	w.checkpoint()

	sessionID := w.id
	w.out.enqueue(persistJob{
		op: "finalize_session",
		run: func(ctx context.Context) error {
			return w.m.store.FinalizeSession(ctx, sessionID, status, res)
		},
		onDone: func(err error) {
			if err == nil {
				w.durable.Store(true)
				w.log.Debug().Msg("Finalization acknowledged")
			}
		},
	})

	w.m.registry.releaseLive(w.userID, w.testType, w.id)
	w.m.scheduleRetire(w)
	w.m.notifyCompletion(w, Completion{
		SessionID: w.id,
		UserID:    w.userID,
		TestType:  w.testType,
		Status:    status,
		Result:    res,
		At:        w.m.clock.Now(),
	})
	metrics.SessionsFinished.WithLabelValues(string(status)).Inc()

	w.log.Info().
		Str("status", string(status)).
		Float64("score", res.Score).
		Int("correct", res.CorrectCount).
		Int("incorrect", res.IncorrectCount).
		Int("unanswered", res.UnansweredCount).
		Msg("Session finished")
	return res
}

// ─── Commands ───────────────────────────────────────────────────────

type openCmd struct {
	connID string
	reply  chan error
}

func (c openCmd) apply(w *worker) {
	w.attach(c.connID)
	w.emit(model.EventTestStart, ws.StartPayload{
		SessionID:       w.id,
		TestType:        w.testType,
		QuestionsList:   append([]int64(nil), w.sess.QuestionsList...),
		DurationMinutes: w.sess.DurationMinutes,
		StartedAt:       w.sess.StartedAt.UTC().Format(time.RFC3339),
		EndsAt:          w.sess.EndsAt.UTC().Format(time.RFC3339),
	})
	if len(w.sess.QuestionsList) > 0 {
		w.emit(model.EventTestQuestion, ws.QuestionPayload{
			SessionID:     w.id,
			QuestionIndex: 0,
			QuestionID:    w.sess.QuestionsList[0],
			TimeRemaining: remainingSeconds(w.sess.EndsAt, w.m.clock.Now()),
		})
	}
	w.publish()
	w.checkpoint()
	c.reply <- nil
}

type navigateCmd struct {
	caller Caller
	index  int
	reply  chan error
}

func (c navigateCmd) apply(w *worker) {
	now := w.m.clock.Now()
	attached := w.attach(c.caller.ConnID)
	defer func() {
		if attached {
			w.publish()
		}
	}()

	if w.deadlinePassed(now) || w.sess.Status.IsTerminal() {
		c.reply <- newError(CodeNotActive, ErrNotActive, w.id)
		return
	}
	if c.index < 0 || c.index >= len(w.sess.QuestionsList) {
		e := newError(CodeOutOfRange, ErrOutOfRange, w.id)
		e.Details = map[string]any{"questionIndex": c.index, "questionCount": len(w.sess.QuestionsList)}
		c.reply <- e
		return
	}

	w.sess.CurrentQuestionIndex = c.index
	w.emit(model.EventTestQuestion, ws.QuestionPayload{
		SessionID:     w.id,
		QuestionIndex: c.index,
		QuestionID:    w.sess.QuestionsList[c.index],
		TimeRemaining: remainingSeconds(w.sess.EndsAt, now),
	})
	w.publish()
	w.checkpoint()
	attached = false
	c.reply <- nil
}

type answerReply struct {
	res AnswerResult
	err error
}

type answerCmd struct {
	caller Caller
	p      AnswerParams
	reply  chan answerReply
}

func (c answerCmd) apply(w *worker) {
	now := w.m.clock.Now()
	attached := w.attach(c.caller.ConnID)
	defer func() {
		if attached {
			w.publish()
		}
	}()

	if w.deadlinePassed(now) || w.sess.Status.IsTerminal() {
		c.reply <- answerReply{err: newError(CodeNotActive, ErrNotActive, w.id)}
		return
	}
	if !w.sess.HasQuestion(c.p.QuestionID) {
		e := newError(CodeOutOfRange, ErrOutOfRange, w.id)
		e.Details = map[string]any{"questionId": c.p.QuestionID}
		c.reply <- answerReply{err: e}
		return
	}

	if c.p.ClientTimestamp > 0 {
		drift := now.Sub(time.UnixMilli(c.p.ClientTimestamp))
		if drift < 0 {
			drift = -drift
		}
		if drift > driftWarnThreshold {
			w.log.Warn().Dur("drift", drift).Msg("Client clock drift detected")
		}
	}

	if prev, ok := w.sess.Answers[c.p.QuestionID]; ok && prev.SelectedAnswer == c.p.Answer {
		c.reply <- answerReply{res: AnswerResult{Recorded: false, Sequence: w.seq.Last()}}
		return
	}

	a := &model.Answer{
		QuestionID:       c.p.QuestionID,
		SelectedAnswer:   c.p.Answer,
		TimeSpentSeconds: c.p.TimeSpent,
		ClientTimestamp:  c.p.ClientTimestamp,
		ServerRecordedAt: now,
	}
	w.sess.Answers[a.QuestionID] = a
	ev := w.emit(model.EventTestAnswer, ws.AnswerPayload{
		SessionID:  w.id,
		QuestionID: a.QuestionID,
		Answer:     a.SelectedAnswer,
		TimeSpent:  a.TimeSpentSeconds,
		Saved:      true,
		ServerTime: now.UnixMilli(),
	})
	w.publish()
	attached = false

	sessionID, answer := w.id, *a
	w.out.enqueue(persistJob{
		op:  "append_answer",
		run: func(ctx context.Context) error { return w.m.store.AppendAnswer(ctx, sessionID, answer) },
	})
	w.checkpoint()
	c.reply <- answerReply{res: AnswerResult{Recorded: true, Sequence: ev.Sequence}}
}

type completeReply struct {
	out Outcome
	err error
}

type completeCmd struct {
	caller Caller
	status model.SessionStatus
	reply  chan completeReply
}

func (w *worker) completePayload(status model.SessionStatus, res model.ScoreResult) ws.CompletePayload {
	return ws.CompletePayload{
		SessionID:        w.id,
		Status:           status,
		Score:            res.Score,
		MaxScore:         res.MaxScore,
		TotalQuestions:   res.TotalQuestions,
		CorrectAnswers:   res.CorrectCount,
		IncorrectAnswers: res.IncorrectCount,
		Unanswered:       res.UnansweredCount,
		Accuracy:         res.Accuracy,
		XPEarned:         res.XPEarned,
	}
}

func (c completeCmd) apply(w *worker) {
	joined := w.attach(c.caller.ConnID)
	if joined {
		w.publish()
	}
	if w.sess.Result != nil {
		// A connection that missed the original result gets it unsequenced.
		if joined {
			w.sendTo(c.caller.ConnID, model.Event{
				Type:      model.EventTestComplete,
				Payload:   w.completePayload(w.sess.Status, *w.sess.Result),
				Timestamp: w.m.clock.Now(),
			})
		}
		c.reply <- completeReply{out: Outcome{Status: w.sess.Status, Result: *w.sess.Result}}
		return
	}

	// Past the deadline the session expires, however it was ended.
	status := c.status
	if !w.m.clock.Now().Before(w.sess.EndsAt) {
		status = model.SessionStatusExpired
	}
	res := w.finish(status)
	c.reply <- completeReply{out: Outcome{Status: status, Result: res}}
}

type tickCmd struct {
	now time.Time
}

func (c tickCmd) apply(w *worker) {
	if w.sess.Status != model.SessionStatusInProgress {
		return
	}
	if w.deadlinePassed(c.now) {
		return
	}
	if len(w.participants) == 0 {
		return
	}

	remaining := remainingSeconds(w.sess.EndsAt, c.now)
	if w.lastTick >= 0 && remaining >= w.lastTick {
		return
	}
	w.lastTick = remaining

	attached := len(w.participants)
	defer func() {
		if len(w.participants) != attached {
			w.publish()
		}
	}()
	w.broadcast(model.Event{
		Type: model.EventTestTimer,
		Payload: ws.TimerPayload{
			SessionID:     w.id,
			TimeRemaining: remaining,
			ServerTime:    c.now.UnixMilli(),
		},
		Timestamp: c.now,
	})
	metrics.EventsEmitted.WithLabelValues(string(model.EventTestTimer)).Inc()
}

type reconnectReply struct {
	res ReconnectResult
}

type reconnectCmd struct {
	caller Caller
	last   *int64
	reply  chan reconnectReply
}

func (c reconnectCmd) apply(w *worker) {
	now := w.m.clock.Now()
	connID := c.caller.ConnID
	// Expire before attaching so the final event reaches this connection
	// only through the replay below.
	w.deadlinePassed(now)
	w.attach(connID)

	var res ReconnectResult
	if c.last != nil {
		if events, ok := w.seq.Since(*c.last); ok {
			for _, ev := range events {
				w.sendTo(connID, ev)
			}
			res.Replayed = events
			res.Resumed = true
		}
	}

	res.State = w.statePayload(now)
	w.sendTo(connID, model.Event{
		Type:      model.EventSessionState,
		Payload:   res.State,
		Timestamp: now,
	})
	w.publish()

	w.log.Info().
		Str("conn_id", connID).
		Int("replayed", len(res.Replayed)).
		Bool("resumed", res.Resumed).
		Msg("Client reconnected")
	c.reply <- reconnectReply{res: res}
}

type detachCmd struct {
	connID string
}

func (c detachCmd) apply(w *worker) {
	if _, ok := w.participants[c.connID]; !ok {
		return
	}
	delete(w.participants, c.connID)
	w.publish()
	if w.sess.Status.IsLive() {
		w.checkpoint()
	}
	w.log.Debug().Str("conn_id", c.connID).Int("participants", len(w.participants)).Msg("Connection detached")
}

type achievementsCmd struct {
	achievements []string
}

func (c achievementsCmd) apply(w *worker) {
	if len(c.achievements) == 0 {
		return
	}
	w.emit(model.EventAchievementsUnlocked, ws.AchievementsPayload{
		SessionID:    w.id,
		Achievements: c.achievements,
	})
	w.publish()
}
