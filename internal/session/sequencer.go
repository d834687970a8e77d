package session

import (
	"time"

	"github.com/stemsi/testsync/internal/model"
)

// Sequencer numbers the events of one session and keeps them for replay.
// It is owned by the session worker and is not safe for concurrent use.
type Sequencer struct {
	last int64
	// base is the highest sequence not held in log. Non-zero only for
	// sessions restored from storage, whose earlier events live in the
	// durable log only.
	base int64
	log  []model.Event
}

// NewSequencer starts numbering after last.
func NewSequencer(last int64) *Sequencer {
	return &Sequencer{last: last, base: last}
}

// Next assigns the next sequence number to an event and appends it.
func (s *Sequencer) Next(typ model.EventType, payload any, at time.Time) model.Event {
	s.last++
	ev := model.Event{
		Sequence:  s.last,
		Type:      typ,
		Payload:   payload,
		Timestamp: at,
	}
	s.log = append(s.log, ev)
	return ev
}

// Last returns the most recently assigned sequence number.
func (s *Sequencer) Last() int64 { return s.last }

// Since returns every event with sequence > after. ok is false when the
// cursor cannot be served from memory (it predates the retained log or is
// ahead of the session), in which case the caller falls back to a snapshot.
func (s *Sequencer) Since(after int64) (events []model.Event, ok bool) {
	if after < s.base || after > s.last {
		return nil, false
	}
	idx := int(after - s.base)
	out := make([]model.Event, len(s.log)-idx)
	copy(out, s.log[idx:])
	return out, true
}
