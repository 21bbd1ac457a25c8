package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"crawlsched/internal/planner"
	logx "crawlsched/pkg/logx"
)

const filePlansPerOwner = 500

// fileStore keeps the whole state in memory and rewrites one JSON snapshot
// (tmp + rename) after every mutation.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	state  fileState
	keep   int
	closed bool
}

type fileState struct {
	Owners map[string]*ownerState `json:"owners"`
}

type ownerState struct {
	Targets  map[string]planner.Target `json:"targets"`
	Pending  map[string]int            `json:"pending,omitempty"`
	Outcomes map[string][]Outcome      `json:"outcomes,omitempty"` // oldest first
	Plans    []PlanRecord              `json:"plans,omitempty"`    // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := fileState{Owners: map[string]*ownerState{}}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &st); err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", path, err)
		}
		if st.Owners == nil {
			st.Owners = map[string]*ownerState{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", path), logx.Int("owners", len(st.Owners)))
	return &fileStore{log: log, path: path, state: st, keep: cfg.OutcomesPerTarget}, nil
}

// owner returns the owner's state, creating it when create is set.
func (s *fileStore) owner(name string, create bool) *ownerState {
	o := s.state.Owners[name]
	if o == nil && create {
		o = &ownerState{Targets: map[string]planner.Target{}}
		s.state.Owners[name] = o
	}
	if o != nil {
		if o.Pending == nil {
			o.Pending = map[string]int{}
		}
		if o.Outcomes == nil {
			o.Outcomes = map[string][]Outcome{}
		}
	}
	return o
}

// flushLocked writes the snapshot. Call with s.mu held.
func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked()
}

func (s *fileStore) UpsertTarget(ctx context.Context, t planner.Target) error {
	_ = ctx
	if strings.TrimSpace(t.Owner) == "" || strings.TrimSpace(t.ID) == "" {
		return errors.New("storage: target owner and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	o := s.owner(t.Owner, true)
	if prev, ok := o.Targets[t.ID]; ok {
		t.LastRunAt = prev.LastRunAt
		if t.HoldUntil.IsZero() {
			t.HoldUntil = prev.HoldUntil
		}
	}
	o.Targets[t.ID] = t
	return s.flushLocked()
}

func (s *fileStore) GetTarget(ctx context.Context, owner, id string) (planner.Target, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owner(owner, false)
	if o == nil {
		return planner.Target{}, ErrNotFound
	}
	t, ok := o.Targets[id]
	if !ok {
		return planner.Target{}, ErrNotFound
	}
	return t, nil
}

func (s *fileStore) ListTargets(ctx context.Context, owner string) ([]planner.Target, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owner(owner, false)
	if o == nil {
		return nil, nil
	}
	out := make([]planner.Target, 0, len(o.Targets))
	for _, t := range o.Targets {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b planner.Target) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fileStore) updateTarget(owner, id string, fn func(t *planner.Target)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	o := s.owner(owner, false)
	if o == nil {
		return ErrNotFound
	}
	t, ok := o.Targets[id]
	if !ok {
		return ErrNotFound
	}
	fn(&t)
	o.Targets[id] = t
	return s.flushLocked()
}

func (s *fileStore) SetHold(ctx context.Context, owner, id string, until time.Time) error {
	_ = ctx
	return s.updateTarget(owner, id, func(t *planner.Target) { t.HoldUntil = until })
}

func (s *fileStore) TouchTarget(ctx context.Context, owner, id string, at time.Time) error {
	_ = ctx
	return s.updateTarget(owner, id, func(t *planner.Target) { t.LastRunAt = at })
}

func (s *fileStore) MarkPending(ctx context.Context, owner, id string, jobs int) error {
	_ = ctx
	if jobs <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	o := s.owner(owner, true)
	o.Pending[id] += jobs
	return s.flushLocked()
}

func (s *fileStore) ReleasePending(ctx context.Context, owner, id string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	o := s.owner(owner, false)
	if o == nil {
		return 0, nil
	}
	n := o.Pending[id] - 1
	if n <= 0 {
		delete(o.Pending, id)
		n = 0
	} else {
		o.Pending[id] = n
	}
	return n, s.flushLocked()
}

func (s *fileStore) PendingIDs(ctx context.Context, owner string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owner(owner, false)
	if o == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(o.Pending))
	for id, n := range o.Pending {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *fileStore) ResetPending(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, o := range s.state.Owners {
		o.Pending = map[string]int{}
	}
	return s.flushLocked()
}

func (s *fileStore) RecordOutcome(ctx context.Context, oc Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if oc.At.IsZero() {
		oc.At = time.Now()
	}
	o := s.owner(oc.Owner, true)
	list := append(o.Outcomes[oc.TargetID], oc)
	if len(list) > s.keep {
		list = list[len(list)-s.keep:]
	}
	o.Outcomes[oc.TargetID] = list
	return s.flushLocked()
}

func (s *fileStore) RecentOutcomes(ctx context.Context, owner, id string, limit int) ([]Outcome, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owner(owner, false)
	if o == nil {
		return nil, nil
	}
	list := o.Outcomes[id]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Outcome, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *fileStore) SavePlan(ctx context.Context, p PlanRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	o := s.owner(p.Owner, true)
	o.Plans = append(o.Plans, p)
	if len(o.Plans) > filePlansPerOwner {
		o.Plans = o.Plans[len(o.Plans)-filePlansPerOwner:]
	}
	return s.flushLocked()
}

func (s *fileStore) ListPlans(ctx context.Context, owner string, limit int) ([]PlanRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owner(owner, false)
	if o == nil {
		return nil, nil
	}
	if limit <= 0 || limit > len(o.Plans) {
		limit = len(o.Plans)
	}
	out := make([]PlanRecord, 0, limit)
	for i := len(o.Plans) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.Plans[i])
	}
	return out, nil
}

func (s *fileStore) UsedPosts(ctx context.Context, owner, window string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owner(owner, false)
	if o == nil {
		return 0, nil
	}
	used := 0
	for _, p := range o.Plans {
		if p.Window == window && !p.DryRun {
			used += p.Batch.TotalPlannedPosts
		}
	}
	return used, nil
}
