package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
)

// batcher collects queue items and writes them in bulk, falling back to
// one-by-one writes and requeueing what still fails.
type batcher[T any] struct {
	queue   Queue
	key     string
	size    int
	timeout time.Duration
	bulk    func(ctx context.Context, batch []T) error
	single  func(ctx context.Context, item T) error
	backoff time.Duration
	log     zerolog.Logger
}

func (b *batcher[T]) run(ctx context.Context) {
	b.log.Info().Str("queue", b.key).Msg("Worker started")

	buffer := make([]T, 0, b.size)
	lastFlush := time.Now()

	for {
		// 1. Check flush conditions (time or size)
		if len(buffer) > 0 && (len(buffer) >= b.size || time.Since(lastFlush) >= b.timeout) {
			b.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			b.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch
		raw, err := b.queue.Pop(ctx, b.key, PollTimeout)
		if err != nil {
			if errors.Is(err, ErrEmpty) || ctx.Err() != nil {
				continue
			}
			b.log.Error().Err(err).Msg("Queue error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}

		item, ok := b.decode(raw)
		if !ok {
			continue
		}
		buffer = append(buffer, item)
	}
}

func (b *batcher[T]) decode(raw string) (T, bool) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// Malformed JSON cannot be retried.
		b.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
		return item, false
	}
	return item, true
}

// flushSafe attempts the bulk write, then single writes, then requeue.
func (b *batcher[T]) flushSafe(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	err := b.bulk(ctx, batch)
	if err == nil {
		return
	}
	b.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	var failed []T
	for _, item := range batch {
		if err := b.single(ctx, item); err != nil {
			b.log.Error().Err(err).Msg("Write failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		b.requeue(ctx, failed)
	}
}

func (b *batcher[T]) requeue(ctx context.Context, items []T) {
	raws := make([][]byte, 0, len(items))
	for _, it := range items {
		data, _ := json.Marshal(it)
		raws = append(raws, data)
	}
	if err := b.queue.Push(context.Background(), b.key, raws...); err != nil {
		b.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items. Data loss occurred.")
		return
	}
	b.log.Info().Int("count", len(items)).Msg("Requeued failed items")
	// Avoid thrashing while the database is down.
	sleep(ctx, b.backoff)
}

// Drain writes what is queued at call time and reports how many items were
// taken. Items requeued during the drain are left for the next run.
func (b *batcher[T]) Drain(ctx context.Context) int {
	pending, err := b.queue.Len(ctx, b.key)
	if err != nil {
		b.log.Error().Err(err).Msg("Drain could not read queue length")
		return 0
	}
	taken := 0
	buffer := make([]T, 0, b.size)
	for seen := int64(0); seen < pending && ctx.Err() == nil; seen++ {
		raw, err := b.queue.Pop(ctx, b.key, 0)
		if err != nil {
			break
		}
		if item, ok := b.decode(raw); ok {
			buffer = append(buffer, item)
			taken++
		}
		if len(buffer) >= b.size {
			b.flushOnce(ctx, buffer)
			buffer = buffer[:0]
		}
	}
	b.flushOnce(ctx, buffer)
	if taken > 0 {
		b.log.Info().Int("count", taken).Msg("Drained remaining items")
	}
	return taken
}

// flushOnce is flushSafe without the requeue pause, so a drain cannot spin
// on a failing database.
func (b *batcher[T]) flushOnce(ctx context.Context, batch []T) {
	saved := b.backoff
	b.backoff = 0
	b.flushSafe(ctx, batch)
	b.backoff = saved
}

func (b *batcher[T]) shutdown(buffer []T) {
	b.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.flushOnce(shutdownCtx, buffer)
	b.Drain(shutdownCtx)
}
