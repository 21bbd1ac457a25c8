package notifier

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	kit "crawlsched/internal/transport"
	logx "crawlsched/pkg/logx"
)

const (
	sendTimeout = 10 * time.Second
	historySize = 300
)

// deliver sends n, retrying with backoff. The outcome lands in history.
func (s *Service) deliver(ctx context.Context, n kit.Notification) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := priorityPrefix(n.Priority) + n.Text
	if text == "" {
		return
	}
	item := HistoryItem{Chat: n.Target.Chat, Text: text}
	for attempt := 1; ; attempt++ {
		if lim.Wait(ctx) != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(sendCtx, n.Target, text, n.Options)
		cancel()
		item.Attempts = attempt
		if err == nil {
			s.history.add(item)
			return
		}
		if attempt > cfg.RetryMax {
			item.Error = err.Error()
			s.history.add(item)
			s.log.Warn("notification failed", logx.String("chat", n.Target.Chat), logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		s.log.Debug("notification send failed; retrying", logx.Int("attempt", attempt), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(cfg, attempt)):
		}
	}
}

// backoff is RetryBase doubled per attempt with +-30% jitter, capped at RetryMaxDelay.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 20)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	jittered := time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(jittered, cfg.RetryMaxDelay)
}

func priorityPrefix(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	}
	return ""
}

// history is a bounded log of deliveries.
type history struct {
	mu  sync.Mutex
	buf []HistoryItem
}

func (h *history) add(it HistoryItem) {
	it.At = time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, it)
	if over := len(h.buf) - historySize; over > 0 {
		h.buf = append(h.buf[:0:0], h.buf[over:]...)
	}
}

func (h *history) items() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.buf...)
}
