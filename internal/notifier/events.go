package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/orchestrator"
	"crawlsched/internal/task/engine"
	kit "crawlsched/internal/transport"
	logx "crawlsched/pkg/logx"
)

const channelTelegram = "telegram"

// Watch turns plan.created and job.failed events into notifications until
// ctx is done. Owners without a chat are skipped.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256, eventbus.PlanCreated, eventbus.JobFailed)
	defer unsub()
	s.consume(ctx, events)
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			s.handle(ctx, e)
		}
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	var (
		owner    string
		chat     string
		text     string
		priority int
	)
	switch d := e.Data.(type) {
	case orchestrator.RunResult:
		if len(d.Plan.Batch.Tasks) == 0 && d.Dispatch.Rejected == 0 {
			return
		}
		owner, chat, text = d.Plan.Owner, d.ChatID, FormatPlan(d)
		if d.Dispatch.Rejected > 0 {
			priority = 7
		}
	case engine.HistoryItem:
		s.mu.Lock()
		on := s.cfg.NotifyFailures
		s.mu.Unlock()
		if !on {
			return
		}
		owner, _, _ = strings.Cut(d.Key, "/")
		text, priority = FormatJobFailure(d), 7
	default:
		return
	}

	target := kit.ChatTarget{Chat: chat}
	if target.IsZero() {
		var ok bool
		if target, ok = s.chatFor(owner); !ok {
			return
		}
	}
	err := s.Notify(ctx, kit.Notification{Channel: channelTelegram, Priority: priority, Target: target, Text: text})
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("notify event failed", logx.String("event", e.Type), logx.String("owner", owner), logx.Err(err))
	}
}

// FormatPlan renders a plan summary as plain text.
func FormatPlan(r orchestrator.RunResult) string {
	p := r.Plan
	b := p.Batch
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan %s for %s\n", shortID(p.ID), p.Owner)
	fmt.Fprintf(&sb, "window %s, %d/%d posts in %d tasks", p.Window, b.TotalPlannedPosts, p.Budget, len(b.Tasks))
	if p.DryRun {
		sb.WriteString(" (dry run)")
	}
	sb.WriteByte('\n')
	for _, t := range b.Tasks {
		fmt.Fprintf(&sb, "- %s %s %q: %d\n", t.TargetID, t.Kind, t.Query, t.EstimatedPosts)
	}
	if sk := b.Skipped; sk.Total() > 0 || b.BelowMinimum > 0 {
		fmt.Fprintf(&sb, "skipped: disabled %d, pending %d, cooldown %d, quality %d, below minimum %d\n",
			sk.Disabled, sk.AlreadyPending, sk.Cooldown, sk.DegradedQuality, b.BelowMinimum)
	}
	if r.Dispatch.Rejected > 0 {
		fmt.Fprintf(&sb, "engine rejected %d of %d jobs\n", r.Dispatch.Rejected, r.Dispatch.Jobs+r.Dispatch.Rejected)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func FormatJobFailure(h engine.HistoryItem) string {
	return fmt.Sprintf("Job %s failed for %s after %d attempts: %s", h.Name, h.Key, h.Attempts, h.Error)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
