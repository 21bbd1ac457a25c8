package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	rtsup "crawlsched/internal/runtime/supervisor"
	kit "crawlsched/internal/transport"
	logx "crawlsched/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// pipeline is one Start..Stop generation of queue and workers.
type pipeline struct {
	queue chan kit.Notification
	sup   *rtsup.Supervisor
	// pending counts Notify calls between admission and enqueue, so the
	// queue is closed only after they finish.
	pending sync.WaitGroup
	done    chan struct{}
}

// Service queues notifications and delivers them through a Sender with a
// shared rate limit, retries and a dedup window. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	run      *pipeline
	stopping *pipeline

	dedup   dedupSet
	history history

	chatMu sync.RWMutex
	chats  map[string]kit.ChatTarget // owner -> chat
}

func New(cfg Config, sender kit.Sender, log logx.Logger) *Service {
	s := &Service{sender: sender, log: log}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledLocked()
}

func (s *Service) enabledLocked() bool { return s.cfg.Enabled && s.sender != nil }

// Apply swaps limits and dedup settings. Worker and queue sizes take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// SetChats installs the owner to chat routing used for bus events.
func (s *Service) SetChats(chats map[string]kit.ChatTarget) {
	m := make(map[string]kit.ChatTarget, len(chats))
	for owner, c := range chats {
		if !c.IsZero() {
			m[owner] = c
		}
	}
	s.chatMu.Lock()
	s.chats = m
	s.chatMu.Unlock()
}

func (s *Service) chatFor(owner string) (kit.ChatTarget, bool) {
	s.chatMu.RLock()
	defer s.chatMu.RUnlock()
	c, ok := s.chats[owner]
	return c, ok
}

// Start launches the workers. It is a no-op while disabled or already
// running, and waits for an in-progress Stop first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if prev := s.stopping; prev != nil {
		s.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.run != nil || !s.enabledLocked() {
		return
	}

	p := &pipeline{
		queue: make(chan kit.Notification, s.cfg.QueueSize),
		// A failing chat must not take the daemon down.
		sup:  rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		done: make(chan struct{}),
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			for n := range p.queue {
				s.deliver(c, n)
			}
			return nil
		})
	}
	s.run = p
}

// Stop refuses new notifications and drains the queue until ctx expires;
// then in-flight deliveries are canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	if p == nil {
		p = s.stopping
		s.mu.Unlock()
		if p != nil {
			waitOrCancel(ctx, p)
		}
		return
	}
	s.run, s.stopping = nil, p
	s.mu.Unlock()

	go func() {
		p.pending.Wait()
		close(p.queue)
		_ = p.sup.Wait(context.Background())
		s.mu.Lock()
		if s.stopping == p {
			s.stopping = nil
		}
		s.mu.Unlock()
		close(p.done)
	}()
	waitOrCancel(ctx, p)
}

func waitOrCancel(ctx context.Context, p *pipeline) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

// Notify queues n. Duplicates within the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case !s.enabledLocked():
		s.mu.Unlock()
		return ErrDisabled
	case s.run == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p, cfg := s.run, s.cfg
	p.pending.Add(1)
	s.mu.Unlock()
	defer p.pending.Done()

	if cfg.DedupWindow > 0 && !s.dedup.admit(dedupKey(n), cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.log.Debug("notification deduped", logx.String("chat", n.Target.Chat))
		return nil
	}
	select {
	case p.queue <- n:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("chat", n.Target.Chat), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem { return s.history.items() }
