package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/runtime/supervisor"
	logx "crawlsched/pkg/logx"

	"github.com/google/uuid"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu       sync.Mutex
	cfg      Config
	q        chan queuedJob
	stopCh   chan struct{}
	stopping bool
	sup      *supervisor.Supervisor

	log logx.Logger
	bus eventbus.Bus

	breakers breakerSet

	hmu     sync.Mutex
	history []HistoryItem

	inFlight         atomic.Int32
	completed        atomic.Uint64
	failed           atomic.Uint64
	skipped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
}

// New builds a stopped engine. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration. Worker count or queue size changes restart
// the workers; jobs still queued at that moment finish with ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("job engine restarting for new pool size", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("engine.worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("job engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop waits for in-flight jobs (bounded by ctx), then finishes every job
// still queued with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("job engine stop timed out", logx.Err(err))
	}

	drained := 0
	for {
		select {
		case qj := <-queue:
			drained++
			finish(qj.job, Result{ID: qj.job.ID, Key: qj.job.breakerKey(), Err: ErrStopped})
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()
	s.log.Info("job engine stopped", logx.Int("discarded", drained))
}

// Enqueue adds a job without blocking. On error the job was not accepted and
// Done will not be called.
func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return fmt.Errorf("job Name is required")
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil || s.stopping {
		return ErrStopped
	}
	cfg := s.cfg

	if open, until := s.breakers.blocked(now, j.breakerKey(), cfg); open {
		s.skipped.Add(1)
		item := HistoryItem{ID: j.ID, Name: j.Name, Key: j.breakerKey(), Started: now, Error: "circuit_open"}
		s.publish(eventbus.JobSkipped, now, item)
		s.record(item, cfg.HistorySize)
		s.log.Debug("job skipped: circuit open", logx.String("job", j.Name), logx.String("key", j.breakerKey()), logx.Time("until", until))
		return ErrCircuitOpen
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case s.q <- queuedJob{job: j, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
	}

	s.droppedQueueFull.Add(1)
	s.publish(eventbus.JobDropped, now, HistoryItem{ID: j.ID, Name: j.Name, Key: j.breakerKey(), Started: now, Error: "queue_full"})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("key", j.breakerKey()),
			logx.Int("queue_cap", cap(s.q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
	return ErrQueueFull
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	sup := s.sup
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	ct, co := s.breakers.counts(time.Now())
	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		Skipped:          s.skipped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		CircuitTotal:     ct,
		CircuitOpen:      co,
		Supervisor:       sup.Snapshot(),
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) publish(typ string, at time.Time, item HistoryItem) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: item})
	}
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func finish(j Job, r Result) {
	if j.Done != nil {
		j.Done(r)
	}
}
