package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stemsi/testsync/internal/model"
)

func TestSequencer_NextIsGapless(t *testing.T) {
	s := NewSequencer(0)
	at := time.Now()
	for i := int64(1); i <= 5; i++ {
		ev := s.Next(model.EventTestAnswer, nil, at)
		if ev.Sequence != i {
			t.Fatalf("got #%d, want #%d", ev.Sequence, i)
		}
	}
	if s.Last() != 5 {
		t.Errorf("Last() = %d", s.Last())
	}
}

func TestSequencer_Since(t *testing.T) {
	s := NewSequencer(0)
	for i := 0; i < 4; i++ {
		s.Next(model.EventTestQuestion, i, time.Now())
	}

	tests := []struct {
		after  int64
		want   string
		wantOK bool
	}{
		{after: 0, want: "[1 2 3 4]", wantOK: true},
		{after: 2, want: "[3 4]", wantOK: true},
		{after: 4, want: "[]", wantOK: true},
		{after: 5, want: "[]", wantOK: false},
		{after: -1, want: "[]", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("after_%d", tt.after), func(t *testing.T) {
			events, ok := s.Since(tt.after)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v", ok)
			}
			seqs := []int64{}
			for _, ev := range events {
				seqs = append(seqs, ev.Sequence)
			}
			if fmt.Sprint(seqs) != tt.want {
				t.Errorf("got %v, want %s", seqs, tt.want)
			}
		})
	}
}

func TestSequencer_RestoredBase(t *testing.T) {
	s := NewSequencer(10)
	ev := s.Next(model.EventTestAnswer, nil, time.Now())
	if ev.Sequence != 11 {
		t.Fatalf("got #%d", ev.Sequence)
	}
	if _, ok := s.Since(9); ok {
		t.Error("events before the restore point are not held in memory")
	}
	events, ok := s.Since(10)
	if !ok || len(events) != 1 || events[0].Sequence != 11 {
		t.Errorf("Since(10) = %v, %v", events, ok)
	}
}

func TestError_Hints(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		reconnect bool
	}{
		{CodeValidation, false, false},
		{CodeOutOfRange, false, false},
		{CodeNotActive, false, true},
		{CodeSessionNotFound, false, true},
		{CodeAlreadyActive, false, true},
		{CodeRateLimited, true, false},
		{CodeInternal, true, false},
	}
	for _, tt := range tests {
		e := &Error{Code: tt.code, Err: errors.New("x")}
		if e.Retryable() != tt.retryable || e.NeedsReconnect() != tt.reconnect {
			t.Errorf("%s: retryable=%v reconnect=%v", tt.code, e.Retryable(), e.NeedsReconnect())
		}
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("navigate: %w", newError(CodeOutOfRange, ErrOutOfRange, "s1"))
	if CodeOf(wrapped) != CodeOutOfRange {
		t.Errorf("CodeOf(wrapped) = %s", CodeOf(wrapped))
	}
	if CodeOf(fmt.Errorf("x: %w", ErrNotActive)) != CodeNotActive {
		t.Error("sentinel not mapped")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Error("unknown errors must be internal")
	}
}
