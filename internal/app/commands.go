package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"crawlsched/internal/notifier"
	"crawlsched/internal/orchestrator"
	"crawlsched/internal/task/engine"
	"crawlsched/internal/task/scheduler"
	kit "crawlsched/internal/transport"
)

type planRunner interface {
	Owners() []string
	Run(ctx context.Context, owner string, dryRun bool) (orchestrator.RunResult, error)
}

// commands answers chat commands. Owners are resolved from the chat the
// command came from when no owner argument is given.
type commands struct {
	runner planRunner
	engine interface{ Snapshot() engine.Snapshot }
	sched  interface{ Snapshot() scheduler.Snapshot }

	mu     sync.RWMutex
	byChat map[string][]string // chat -> owners
}

func (c *commands) setChats(chats map[string]kit.ChatTarget) {
	m := map[string][]string{}
	for owner, t := range chats {
		m[t.Chat] = append(m[t.Chat], owner)
	}
	c.mu.Lock()
	c.byChat = m
	c.mu.Unlock()
}

func (c *commands) ownersFor(chat string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byChat[chat]
}

func (c *commands) status(_ context.Context, cmd kit.Command) (string, error) {
	var sb strings.Builder
	if c.engine != nil {
		es := c.engine.Snapshot()
		state := "stopped"
		if es.Running {
			state = "running"
		}
		fmt.Fprintf(&sb, "engine %s, %d workers, queue %d/%d, in flight %d\n", state, es.Workers, es.QueueLen, es.QueueCap, es.InFlight)
		fmt.Fprintf(&sb, "jobs: %d ok, %d failed, %d skipped, %d dropped\n", es.Completed, es.Failed, es.Skipped, es.DroppedQueueFull+es.DroppedStale)
	}
	if c.sched != nil {
		ss := c.sched.Snapshot()
		for _, s := range ss.Schedules {
			line := fmt.Sprintf("%s %s", s.Name, s.Spec)
			if !s.Next.IsZero() {
				line += " next " + s.Next.Format("2006-01-02 15:04 MST")
			}
			sb.WriteString(line + "\n")
		}
	}
	fmt.Fprintf(&sb, "owners: %s", strings.Join(c.runner.Owners(), ", "))
	return sb.String(), nil
}

// plan handles "/plan [owner] [dry]".
func (c *commands) plan(ctx context.Context, cmd kit.Command) (string, error) {
	var owner string
	dryRun := false
	for _, a := range cmd.Args {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "":
		case "dry", "dry_run", "dryrun":
			dryRun = true
		default:
			owner = strings.TrimSpace(a)
		}
	}
	mine := slices.Clone(c.ownersFor(cmd.Chat))
	slices.Sort(mine)
	switch {
	case owner == "" && len(mine) == 1:
		owner = mine[0]
	case owner == "":
		return "usage: /plan <owner> [dry]", nil
	case !slices.Contains(mine, owner):
		return fmt.Sprintf("owner %s is not linked to this chat", owner), nil
	}

	res, err := c.runner.Run(ctx, owner, dryRun)
	if err != nil && res.Plan.ID == "" {
		return "", err
	}
	out := notifier.FormatPlan(res)
	if err != nil {
		out += "\ndispatch error: " + err.Error()
	}
	return out, nil
}
