package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// idleWindow is how close to its deadline an unattended session must be to
// be checked on every tick instead of every idleEvery ticks.
const idleWindow = 5 * time.Second

// Timer drives deadlines and countdown ticks for every registered session.
type Timer struct {
	registry  *Registry
	clock     Clock
	interval  time.Duration
	idleEvery int
	n         uint64
	log       zerolog.Logger
}

// NewTimer builds the timer over the manager's registry and clock.
func (m *Manager) NewTimer(interval time.Duration, idleEvery int) *Timer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if idleEvery < 1 {
		idleEvery = 1
	}
	return &Timer{
		registry:  m.registry,
		clock:     m.clock,
		interval:  interval,
		idleEvery: idleEvery,
		log:       m.log.With().Str("component", "timer").Logger(),
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (t *Timer) Run(ctx context.Context) {
	t.log.Info().Dur("interval", t.interval).Int("idle_every", t.idleEvery).Msg("Timer started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("Timer stopped")
			return
		case <-ticker.C:
			t.Sweep(t.clock.Now())
		}
	}
}

// Sweep offers a tick to every session that needs one. A session with no
// participants only needs its deadline enforced, so it is visited less often
// unless its deadline is near. A full mailbox skips the session until the
// next sweep.
func (t *Timer) Sweep(now time.Time) int {
	t.n++
	full := t.n%uint64(t.idleEvery) == 0

	offered := 0
	for _, w := range t.registry.workers() {
		s := w.snapshot()
		if s.Status.IsTerminal() {
			continue
		}
		if len(s.Participants) == 0 && !full && s.EndsAt.Sub(now) > idleWindow {
			continue
		}
		if w.offer(tickCmd{now: now}) {
			offered++
		} else {
			t.log.Warn().Str("session_id", w.id).Msg("Tick skipped, mailbox full")
		}
	}
	return offered
}
