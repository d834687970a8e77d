package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/metrics"
)

// RetryPolicy bounds how hard the outbox tries before giving up on a write.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries for roughly half a minute.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 6, Backoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << (attempt - 1)
	if d <= 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		d = p.MaxBackoff
	}
	return d
}

type persistJob struct {
	op     string
	run    func(ctx context.Context) error
	onDone func(err error)
}

// outbox runs one session's persistence calls in order on its own goroutine
// so the session worker never waits on I/O. Enqueue never blocks.
type outbox struct {
	policy RetryPolicy
	log    zerolog.Logger

	mu     sync.Mutex
	jobs   []persistJob
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newOutbox(policy RetryPolicy, log zerolog.Logger) *outbox {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &outbox{
		policy: policy,
		log:    log,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (o *outbox) enqueue(job persistJob) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.log.Warn().Str("op", job.op).Msg("Persist job dropped, outbox closed")
		return
	}
	o.jobs = append(o.jobs, job)
	// Signal under the lock so close cannot race the send.
	select {
	case o.signal <- struct{}{}:
	default:
	}
	o.mu.Unlock()
}

// close stops intake; queued jobs still run before the goroutine exits.
func (o *outbox) close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.signal)
	}
	o.mu.Unlock()
}

func (o *outbox) pop() (persistJob, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.jobs) == 0 {
		return persistJob{}, false
	}
	job := o.jobs[0]
	o.jobs[0] = persistJob{}
	o.jobs = o.jobs[1:]
	return job, true
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for {
		for {
			job, ok := o.pop()
			if !ok {
				break
			}
			err := o.attempt(ctx, job)
			if job.onDone != nil {
				job.onDone(err)
			}
		}
		if _, open := <-o.signal; !open {
			// Drain anything queued between the last pop and close.
			for {
				job, ok := o.pop()
				if !ok {
					return
				}
				err := o.attempt(ctx, job)
				if job.onDone != nil {
					job.onDone(err)
				}
			}
		}
	}
}

func (o *outbox) attempt(ctx context.Context, job persistJob) error {
	var err error
	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = job.run(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == o.policy.MaxAttempts || ctx.Err() != nil {
			break
		}

		metrics.PersistRetries.WithLabelValues(job.op).Inc()
		wait := o.policy.delay(attempt)
		o.log.Warn().Err(err).
			Str("op", job.op).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Persist error, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			metrics.PersistDegraded.WithLabelValues(job.op).Inc()
			o.log.Error().Err(err).Str("op", job.op).Msg("Persist abandoned on shutdown")
			return err
		}
	}

	metrics.PersistDegraded.WithLabelValues(job.op).Inc()
	o.log.Error().Err(err).Str("op", job.op).Msg("Persist gave up, durability degraded")
	return err
}
