package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crawlsched/internal/planner"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
planner:
  window: 30m
owners:
  - id: acme
    schedule: "*/15 * * * *"
    posts_budget: 100
    targets:
      - id: news
        kind: account
        query: "@acme_news"
        max_posts_per_run: 80
        cooldown: 2h
      - id: launch
        kind: KEYWORD
        query: "acme launch"
        enabled: false
        max_posts_per_run: 40
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled || len(cfg.Owners) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	w, err := PlannerWindow(cfg)
	if err != nil || w != 30*time.Minute {
		t.Fatalf("PlannerWindow = %v, %v", w, err)
	}

	targets, err := OwnerTargets(cfg.Owners[0])
	if err != nil {
		t.Fatalf("OwnerTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %+v", targets)
	}
	news, launch := targets[0], targets[1]
	if news.Kind != planner.KindAccount || !news.Enabled || news.CooldownInterval != 2*time.Hour || news.Owner != "acme" {
		t.Fatalf("news = %+v", news)
	}
	if launch.Kind != planner.KindKeyword || launch.Enabled {
		t.Fatalf("launch = %+v", launch)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{name: "unknown field", path: "c.json", body: `{"owners":[],"bogus":1}`, want: "bogus"},
		{name: "trailing data", path: "c.json", body: `{"owners":[]}{}`, want: "trailing"},
		{name: "bad kind", path: "c.json", body: `{"owners":[{"id":"a","schedule":"1h","posts_budget":1,"targets":[{"id":"t","kind":"hashtag","query":"q","max_posts_per_run":1}]}]}`, want: "kind"},
		{name: "duplicate owner", path: "c.json", body: `{"owners":[{"id":"a","schedule":"1h","posts_budget":1,"targets":[]},{"id":"a","schedule":"1h","posts_budget":1,"targets":[]}]}`, want: "duplicate owner"},
		{name: "negative budget", path: "c.json", body: `{"owners":[{"id":"a","schedule":"1h","posts_budget":-1,"targets":[]}]}`, want: "posts_budget"},
		{name: "bad window", path: "c.json", body: `{"planner":{"window":"soon"},"owners":[]}`, want: "planner.window"},
		{name: "http fetch without endpoint", path: "c.json", body: `{"fetch":{"driver":"http"},"owners":[]}`, want: "fetch.endpoint"},
		{name: "bad yaml", path: "c.yml", body: "owners: [", want: "yaml"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "1d12h", want: 36 * time.Hour},
		{raw: "-1s", wantErr: true},
		{raw: "-1d", wantErr: true},
		{raw: "1d-2h", wantErr: true},
		{raw: "1.5d", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestDecodeYAMLEnv(t *testing.T) {
	t.Setenv("CRAWLSCHED_TEST_TOKEN", "tok-123")
	const doc = `
telegram:
  token: ${CRAWLSCHED_TEST_TOKEN}
owners:
  - id: acme
    posts_budget: 10
    targets:
      - id: price
        kind: keyword
        query: "$$ACME"
`
	cfg, err := Decode("c.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram == nil || cfg.Telegram.Token != "tok-123" {
		t.Fatalf("token = %+v", cfg.Telegram)
	}
	if q := cfg.Owners[0].Targets[0].Query; q != "$ACME" {
		t.Fatalf("query = %q", q)
	}

	_, err = Decode("c.yaml", []byte("telegram:\n  token: ${CRAWLSCHED_TEST_UNSET_VAR}\n"))
	if err == nil || !strings.Contains(err.Error(), "CRAWLSCHED_TEST_UNSET_VAR") {
		t.Fatalf("unset var err = %v", err)
	}
	if _, err := Decode("c.yaml", []byte("logging:\n  level: info\nlogging:\n  level: debug\n")); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	if ch := Diff(oldCfg, newCfg); len(ch.Sections) != 0 || len(ch.Owners) != 0 {
		t.Fatalf("identical configs diff = %+v", ch)
	}

	newCfg.Logging.Level = "info"
	newCfg.Owners[0].PostsBudget = 50
	newCfg.Owners = append(newCfg.Owners, OwnerConfig{ID: "beta", Schedule: "1h"})
	ch := Diff(oldCfg, newCfg)
	if !ch.Has("logging") || !ch.Has("owners") || ch.Has("planner") {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if len(ch.Owners) != 2 || ch.Owners[0] != "acme" || ch.Owners[1] != "beta" {
		t.Fatalf("owners = %v", ch.Owners)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := m.Reload(); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("unchanged reload err = %v", err)
	}

	write(strings.Replace(sampleYAML, "posts_budget: 100", "posts_budget: 60", 1))
	if _, err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	// A second change before the consumer reads merges into one update.
	write(strings.Replace(sampleYAML, "posts_budget: 100", "posts_budget: 40", 1))
	if _, err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case u := <-m.Updates():
		if u.Old.Owners[0].PostsBudget != 100 || u.New.Owners[0].PostsBudget != 40 {
			t.Fatalf("update budgets = %d -> %d", u.Old.Owners[0].PostsBudget, u.New.Owners[0].PostsBudget)
		}
		if len(u.Change.Owners) != 1 || u.Change.Owners[0] != "acme" {
			t.Fatalf("change = %+v", u.Change)
		}
	default:
		t.Fatal("no update queued")
	}
	if m.Get().Owners[0].PostsBudget != 40 {
		t.Fatal("Get() not updated")
	}

	// Invalid content and vetoed content leave the committed config alone.
	write("owners: [")
	if _, err := m.Reload(); err == nil {
		t.Fatal("reload accepted invalid config")
	}
	m.SetValidator(func(*Config) error { return errors.New("no") })
	write(sampleYAML)
	if _, err := m.Reload(); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("vetoed reload err = %v", err)
	}
	if m.Get().Owners[0].PostsBudget != 40 {
		t.Fatal("failed reload replaced committed config")
	}
	select {
	case u := <-m.Updates():
		t.Fatalf("unexpected update %+v", u.Change)
	default:
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	updated := strings.Replace(sampleYAML, "posts_budget: 100", "posts_budget: 70", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	// Rewrite until the watcher (started asynchronously) picks it up.
	for {
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case u := <-m.Updates():
			if u.New.Owners[0].PostsBudget != 70 {
				t.Fatalf("watched budget = %d", u.New.Owners[0].PostsBudget)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watcher did not publish an update")
		}
	}
}
