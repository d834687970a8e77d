package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var fastRetry = RetryPolicy{MaxAttempts: 4, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestOutbox_RunsInOrder(t *testing.T) {
	o := newOutbox(fastRetry, zerolog.Nop())
	go o.run(context.Background())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		o.enqueue(persistJob{op: "test", run: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
	}
	o.close()
	<-o.done

	for i, v := range order {
		if v != i {
			t.Fatalf("out of order at %d: %v", i, order)
		}
	}
	if len(order) != 20 {
		t.Errorf("ran %d jobs", len(order))
	}
}

func TestOutbox_RetriesUntilSuccess(t *testing.T) {
	o := newOutbox(fastRetry, zerolog.Nop())
	go o.run(context.Background())

	calls := 0
	var result error = errors.New("unset")
	o.enqueue(persistJob{
		op: "test",
		run: func(context.Context) error {
			calls++
			if calls < 3 {
				return errStoreDown
			}
			return nil
		},
		onDone: func(err error) { result = err },
	})
	o.close()
	<-o.done

	if calls != 3 || result != nil {
		t.Errorf("calls=%d result=%v", calls, result)
	}
}

func TestOutbox_GivesUpAfterMaxAttempts(t *testing.T) {
	o := newOutbox(fastRetry, zerolog.Nop())
	go o.run(context.Background())

	calls := 0
	var result error
	o.enqueue(persistJob{
		op:     "test",
		run:    func(context.Context) error { calls++; return errStoreDown },
		onDone: func(err error) { result = err },
	})
	ran := false
	o.enqueue(persistJob{op: "next", run: func(context.Context) error { ran = true; return nil }})
	o.close()
	<-o.done

	if calls != fastRetry.MaxAttempts || !errors.Is(result, errStoreDown) {
		t.Errorf("calls=%d result=%v", calls, result)
	}
	if !ran {
		t.Error("a failed job must not block the queue")
	}
}

func TestOutbox_EnqueueAfterCloseIsDropped(t *testing.T) {
	o := newOutbox(fastRetry, zerolog.Nop())
	go o.run(context.Background())
	o.close()
	<-o.done

	o.enqueue(persistJob{op: "late", run: func(context.Context) error {
		t.Error("late job ran")
		return nil
	}})
}

func TestOutbox_StopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newOutbox(RetryPolicy{MaxAttempts: 100, Backoff: time.Hour, MaxBackoff: time.Hour}, zerolog.Nop())
	go o.run(ctx)

	started := make(chan struct{})
	o.enqueue(persistJob{op: "slow", run: func(context.Context) error {
		select {
		case <-started:
		default:
			close(started)
		}
		return errStoreDown
	}})
	<-started
	cancel()
	o.close()

	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("outbox did not stop after cancellation")
	}
}
