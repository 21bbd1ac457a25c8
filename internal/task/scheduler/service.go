package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	logx "crawlsched/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change re-registers every schedule.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start begins firing registered schedules. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{log: s.log}))
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec.CronSpec()), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts firing and waits (bounded by ctx) for running triggers.
// Definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.ctx = nil, nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Upsert registers or replaces the schedule called name.
func (s *Service) Upsert(name, schedule string, timeout time.Duration, fn Trigger) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("trigger required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron spec %q: %w", ps.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil {
		if old.spec == ps && old.timeout == timeout {
			old.fn = fn
			return nil
		}
		s.unregisterLocked(old)
	}
	d := &scheduleDef{name: name, spec: ps, timeout: timeout, fn: fn}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		delete(s.defs, name)
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", ps.CronSpec()),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return false
	}
	s.unregisterLocked(d)
	delete(s.defs, name)
	return true
}

// Names lists registered schedules in sorted order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Service) registerLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.spec.Kind == SpecInterval {
		sched, spread := intervalWithSpread(d.spec.Every, d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) unregisterLocked(d *scheduleDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

// fire runs one trigger, skipping it if the previous firing is still running.
func (s *Service) fire(d *scheduleDef) {
	s.mu.Lock()
	if d.running || s.ctx == nil {
		d.skips++
		s.mu.Unlock()
		s.log.Debug("trigger skipped", logx.String("name", d.name))
		return
	}
	d.running = true
	fn, timeout, base := d.fn, d.timeout, s.ctx
	s.mu.Unlock()

	ctx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("trigger panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return fn(ctx)
	}()
	dur := time.Since(start)

	s.mu.Lock()
	d.running = false
	d.runs++
	d.lastRunAt = start
	d.lastDur = dur
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("trigger failed", logx.String("name", d.name), logx.Err(err), logx.Duration("dur", dur))
		return
	}
	s.log.Debug("trigger finished", logx.String("name", d.name), logx.Duration("dur", dur))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil && snap.Timezone == "" {
		snap.Timezone = s.loc.String()
	}
	snap.Schedules = make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:      d.name,
			Spec:      d.spec.CronSpec(),
			Source:    d.spec.Source,
			Timeout:   d.timeout,
			Spread:    d.spread,
			Running:   d.running,
			Runs:      d.runs,
			Skips:     d.skips,
			LastRunAt: d.lastRunAt,
			LastDur:   d.lastDur,
			LastErr:   d.lastErr,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
