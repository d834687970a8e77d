package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type consumer interface {
	Start(ctx context.Context)
	Drain(ctx context.Context) int
}

// Pipeline runs the four persist workers behind a QueueStore.
type Pipeline struct {
	consumers []consumer
	wg        sync.WaitGroup
	log       zerolog.Logger
}

// NewPipeline wires the session, answer, event and result workers.
func NewPipeline(queue Queue, db Persister, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		consumers: []consumer{
			NewSessionWorker(queue, db, log),
			NewAnswerWorker(queue, db, log),
			NewEventWorker(queue, db, log),
			NewResultWorker(queue, db, log),
		},
		log: log.With().Str("component", "persist_pipeline").Logger(),
	}
}

// Drain writes every queued item, sessions first. Run before restoring
// sessions so storage reflects every acknowledged write.
func (p *Pipeline) Drain(ctx context.Context) int {
	total := 0
	for _, c := range p.consumers {
		total += c.Drain(ctx)
	}
	if total > 0 {
		p.log.Info().Int("count", total).Msg("Persist queues drained")
	}
	return total
}

// Start launches every worker. Each flushes and drains when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for _, c := range p.consumers {
		p.wg.Add(1)
		go func(c consumer) {
			defer p.wg.Done()
			c.Start(ctx)
		}(c)
	}
}

// Wait blocks until every worker has stopped.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
