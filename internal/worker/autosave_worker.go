package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
)

// RetryDelay is the pause after a failed write before the next item.
const RetryDelay = 5 * time.Second

var errMalformed = errors.New("malformed payload")

// AutosaveWorker consumes one persist queue item by item. Used for session
// checkpoints and answers, whose writes are guarded upserts.
type AutosaveWorker struct {
	queue      Queue
	key        string
	handle     func(ctx context.Context, raw string) error
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewSessionWorker persists checkpoints from persist_sessions_queue.
func NewSessionWorker(queue Queue, db Persister, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		queue:      queue,
		key:        config.WorkerKey.PersistSessionsQueue,
		retryDelay: RetryDelay,
		log:        log.With().Str("component", "session_worker").Logger(),
		handle: func(ctx context.Context, raw string) error {
			var s model.Session
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				return fmt.Errorf("%w: %v", errMalformed, err)
			}
			return db.SaveSession(ctx, &s)
		},
	}
}

// NewAnswerWorker persists answers from persist_answers_queue.
func NewAnswerWorker(queue Queue, db Persister, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		queue:      queue,
		key:        config.WorkerKey.PersistAnswersQueue,
		retryDelay: RetryDelay,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		handle: func(ctx context.Context, raw string) error {
			var p answerPayload
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return fmt.Errorf("%w: %v", errMalformed, err)
			}
			if p.SessionID == "" {
				return fmt.Errorf("%w: missing session id", errMalformed)
			}
			return db.AppendAnswer(ctx, p.SessionID, p.Answer)
		},
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.key).Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.Drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	raw, err := w.queue.Pop(ctx, w.key, PollTimeout)
	if err != nil {
		if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Pop error, sleeping 3s")
			sleep(ctx, 3*time.Second)
		}
		return
	}

	if err := w.handle(ctx, raw); err != nil {
		if errors.Is(err, errMalformed) {
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed item")
			return
		}
		w.log.Error().Err(err).Dur("retry_in", w.retryDelay).Msg("Persist error, requeueing")
		// Push back to queue for retry; the upsert guards make reordering safe.
		if perr := w.queue.Push(context.Background(), w.key, []byte(raw)); perr != nil {
			w.log.Error().Err(perr).Msg("CRITICAL: Failed to requeue item. Data loss occurred.")
		}
		sleep(ctx, w.retryDelay)
	}
}

// Drain processes the items queued at call time and reports how many were written.
func (w *AutosaveWorker) Drain(ctx context.Context) int {
	pending, err := w.queue.Len(ctx, w.key)
	if err != nil {
		w.log.Error().Err(err).Msg("Drain could not read queue length")
		return 0
	}
	drained := 0
	for seen := int64(0); seen < pending && ctx.Err() == nil; seen++ {
		raw, err := w.queue.Pop(ctx, w.key, 0)
		if err != nil {
			break
		}

		if err := w.handle(ctx, raw); err != nil {
			if errors.Is(err, errMalformed) {
				w.log.Error().Err(err).Msg("Drain discarding malformed item")
				continue
			}
			w.log.Error().Err(err).Msg("Drain persist error")
			_ = w.queue.Push(context.Background(), w.key, []byte(raw))
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
	return drained
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
