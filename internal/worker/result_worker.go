package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/repository"
)

// ResultWorker batches terminal results from persist_results_queue into
// one transaction per flush.
type ResultWorker struct {
	b *batcher[repository.Finalization]
}

// NewResultWorker creates a new ResultWorker.
func NewResultWorker(queue Queue, db Persister, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{b: &batcher[repository.Finalization]{
		queue:   queue,
		key:     config.WorkerKey.PersistResultsQueue,
		size:    BatchSize,
		timeout: BatchTimeout,
		backoff: 2 * time.Second,
		log:     log.With().Str("component", "result_worker").Logger(),
		bulk:    db.FinalizeBatch,
		single: func(ctx context.Context, f repository.Finalization) error {
			return db.FinalizeBatch(ctx, []repository.Finalization{f})
		},
	}}
}

// Start runs until ctx is cancelled, then flushes. Call in a goroutine.
func (w *ResultWorker) Start(ctx context.Context) { w.b.run(ctx) }

// Drain writes everything queued at call time.
func (w *ResultWorker) Drain(ctx context.Context) int { return w.b.Drain(ctx) }
