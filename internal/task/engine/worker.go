package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"crawlsched/internal/eventbus"
	logx "crawlsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob, idx int) {
	// Per-worker RNG keeps retry jitter free of global lock contention.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qj, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	cfg := s.config()
	j := qj.job
	key := j.breakerKey()
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		item := HistoryItem{ID: j.ID, Name: j.Name, Key: key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}
		s.publish(eventbus.JobDropped, start, item)
		s.record(item, cfg.HistorySize)
		if s.shouldWarn(&s.lastStaleWarnAt, start) {
			s.log.Warn("job dropped: stale queue", logx.String("job", j.Name), logx.String("key", key), logx.Duration("queue_delay", queueDelay))
		}
		finish(j, Result{ID: j.ID, Key: key, Err: ErrStale})
		return
	}

	s.publish(eventbus.JobStarted, start, HistoryItem{ID: j.ID, Name: j.Name, Key: key, Started: start, QueueDelay: queueDelay})
	s.log.Debug("job started", logx.String("job", j.Name), logx.String("key", key), logx.Duration("queue_delay", queueDelay))

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempts < maxAttempts {
		attempts++
		err = s.attempt(ctx, j, qj.timeout)
		if err == nil {
			break
		}
		if h, ok := hintOf(err); ok && h.permanent {
			err = h.err
			break
		}
		if attempts >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelayWithHint(cfg, attempts, err, rng)
		s.log.Debug("job retry scheduled", logx.String("job", j.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Key: key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("job failed", logx.String("job", j.Name), logx.String("key", key), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.JobFailed, time.Now(), item)
	} else {
		s.completed.Add(1)
		s.log.Debug("job finished", logx.String("job", j.Name), logx.String("key", key), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.JobFinished, time.Now(), item)
	}

	if !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
		s.breakers.record(time.Now(), key, cfg, err)
	}
	s.record(item, cfg.HistorySize)
	finish(j, Result{ID: j.ID, Key: key, Attempts: attempts, Duration: dur, Err: err})
}

// attempt runs one try with the per-attempt timeout, converting panics to errors.
func (s *Service) attempt(ctx context.Context, j Job, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.Run(runCtx)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, cfg.RetryMaxDelay), cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if d <= 0 || rng == nil || cfg.RetryJitter <= 0 {
		return d
	}
	r := (rng.Float64()*2 - 1) * cfg.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
