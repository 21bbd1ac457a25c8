package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "crawlsched/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "*/15 * * * *", kind: SpecCron, cron: "*/15 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron: 0 9 * * 1-5", kind: SpecCron, cron: "0 9 * * 1-5", source: "cron"},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "every: 00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "interval:1h", kind: SpecInterval, every: time.Hour, source: "duration"},
		{in: "", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
			}
		})
	}
}

func TestIntervalSpreadIsDeterministic(t *testing.T) {
	t.Parallel()
	_, a := intervalWithSpread(time.Hour, "plan.acme")
	_, b := intervalWithSpread(time.Hour, "plan.acme")
	if a != b {
		t.Fatalf("spread differs for the same name: %v vs %v", a, b)
	}
	if a < 0 || a >= maxSpread {
		t.Fatalf("spread %v out of range", a)
	}
	if _, off := intervalWithSpread(10*time.Second, "short"); off >= 10*time.Second {
		t.Fatalf("spread %v exceeds interval", off)
	}
}

func TestAlignedEvery(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	hourly := alignedEvery{every: time.Hour, offset: 7 * time.Second}
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{now: base, want: base.Add(7 * time.Second)},
		{now: base.Add(7 * time.Second), want: base.Add(time.Hour + 7*time.Second)},
		{now: base.Add(10 * time.Minute), want: base.Add(time.Hour + 7*time.Second)},
		{now: base.Add(-time.Second), want: base.Add(7 * time.Second)},
	}
	for _, tt := range tests {
		if got := hourly.Next(tt.now); !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
	quarter := alignedEvery{every: 15 * time.Minute}
	if got := quarter.Next(base.Add(16 * time.Minute)); !got.Equal(base.Add(30 * time.Minute)) {
		t.Fatalf("quarter-hour Next = %v", got)
	}
}

func TestUpsertValidatesAndReplaces(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Upsert("owner:a", "61 * * * *", 0, noop); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if err := s.Upsert("", "1h", 0, noop); err == nil {
		t.Fatal("expected name error")
	}
	if err := s.Upsert("owner:a", "1h", 0, noop); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert("owner:a", "*/5 * * * *", time.Minute, noop); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	if names := s.Names(); len(names) != 1 || names[0] != "owner:a" {
		t.Fatalf("Names() = %v", names)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	it := snap.Schedules[0]
	if it.Spec != "*/5 * * * *" || it.Timeout != time.Minute || it.Next.IsZero() {
		t.Fatalf("schedule info = %+v", it)
	}
	if !s.Remove("owner:a") || s.Remove("owner:a") {
		t.Fatal("Remove did not report existence correctly")
	}
}

func TestFireSkipsOverlapAndRecordsErrors(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := s.Upsert("owner:a", "1h", 0, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return errors.New("budget store offline")
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.mu.Lock()
	d := s.defs["owner:a"]
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.fire(d)
		close(done)
	}()
	<-started
	s.fire(d) // overlaps the running firing
	close(release)
	<-done

	it := s.Snapshot().Schedules[0]
	if it.Runs != 1 || it.Skips != 1 || it.LastErr != "budget store offline" || it.Running {
		t.Fatalf("schedule info = %+v", it)
	}
}

func TestIntervalTriggerFires(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	fired := make(chan struct{}, 4)
	if err := s.Upsert("tick", "every:1s", 0, func(context.Context) error {
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("interval trigger never fired")
	}
}
