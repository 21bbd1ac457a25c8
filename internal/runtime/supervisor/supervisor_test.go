package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { return errors.New("boom") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "boom: boom" {
		t.Fatalf("Wait() = %v, want boom: boom", err)
	}
}

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("goroutine was not restarted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Stop(ctx)

	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	st := snap.Goroutines[0]
	if st.Panics != 1 || st.Restarts != 1 || st.Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
