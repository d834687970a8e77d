package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/model"
)

// EventWorker moves the sequenced event log from persist_events_queue to
// PostgreSQL with COPY, falling back to idempotent single inserts when a
// batch carries an already-stored sequence.
type EventWorker struct {
	b *batcher[model.StoredEvent]
}

// NewEventWorker creates a new EventWorker.
func NewEventWorker(queue Queue, db Persister, log zerolog.Logger) *EventWorker {
	return &EventWorker{b: &batcher[model.StoredEvent]{
		queue:   queue,
		key:     config.WorkerKey.PersistEventsQueue,
		size:    BatchSize,
		timeout: BatchTimeout,
		backoff: 2 * time.Second,
		log:     log.With().Str("component", "event_worker").Logger(),
		bulk: func(ctx context.Context, batch []model.StoredEvent) error {
			_, err := db.CopyEvents(ctx, batch)
			return err
		},
		single: db.AppendEvent,
	}}
}

// Start runs until ctx is cancelled, then flushes. Call in a goroutine.
func (w *EventWorker) Start(ctx context.Context) { w.b.run(ctx) }

// Drain writes everything queued at call time.
func (w *EventWorker) Drain(ctx context.Context) int { return w.b.Drain(ctx) }
