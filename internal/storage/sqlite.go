package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"crawlsched/internal/planner"
	logx "crawlsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	keep       int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: cfg.OutcomesPerTarget, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertTarget(ctx context.Context, t planner.Target) error {
	if strings.TrimSpace(t.Owner) == "" || strings.TrimSpace(t.ID) == "" {
		return errors.New("storage: target owner and id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(owner, id, kind, query, enabled, max_posts, hold_until, base_priority, cooldown_ms, last_run_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner, id) DO UPDATE SET
		   kind=excluded.kind, query=excluded.query, enabled=excluded.enabled,
		   max_posts=excluded.max_posts, base_priority=excluded.base_priority,
		   cooldown_ms=excluded.cooldown_ms,
		   hold_until=COALESCE(excluded.hold_until, targets.hold_until)`,
		t.Owner, t.ID, string(t.Kind), t.Query, t.Enabled, t.MaxPostsPerRun, nullMillis(t.HoldUntil),
		t.BasePriority, t.CooldownInterval.Milliseconds(), nullMillis(t.LastRunAt),
	)
	return err
}

const targetColumns = `owner, id, kind, query, enabled, max_posts, hold_until, base_priority, cooldown_ms, last_run_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(r rowScanner) (planner.Target, error) {
	var (
		t          planner.Target
		kind       string
		holdUntil  sql.NullInt64
		cooldownMS int64
		lastRun    sql.NullInt64
	)
	if err := r.Scan(&t.Owner, &t.ID, &kind, &t.Query, &t.Enabled, &t.MaxPostsPerRun, &holdUntil, &t.BasePriority, &cooldownMS, &lastRun); err != nil {
		return planner.Target{}, err
	}
	t.Kind = planner.TargetKind(kind)
	t.CooldownInterval = time.Duration(cooldownMS) * time.Millisecond
	if holdUntil.Valid {
		t.HoldUntil = time.UnixMilli(holdUntil.Int64).UTC()
	}
	if lastRun.Valid {
		t.LastRunAt = time.UnixMilli(lastRun.Int64).UTC()
	}
	return t, nil
}

func (s *sqliteStore) GetTarget(ctx context.Context, owner, id string) (planner.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE owner = ? AND id = ?`, owner, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return planner.Target{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTargets(ctx context.Context, owner string) ([]planner.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []planner.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetHold(ctx context.Context, owner, id string, until time.Time) error {
	return s.updateOne(ctx, `UPDATE targets SET hold_until = ? WHERE owner = ? AND id = ?`, nullMillis(until), owner, id)
}

func (s *sqliteStore) TouchTarget(ctx context.Context, owner, id string, at time.Time) error {
	return s.updateOne(ctx, `UPDATE targets SET last_run_at = ? WHERE owner = ? AND id = ?`, nullMillis(at), owner, id)
}

func (s *sqliteStore) MarkPending(ctx context.Context, owner, id string, jobs int) error {
	if jobs <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending(owner, id, jobs) VALUES(?,?,?)
		 ON CONFLICT(owner, id) DO UPDATE SET jobs = pending.jobs + excluded.jobs`,
		owner, id, jobs,
	)
	return err
}

func (s *sqliteStore) ReleasePending(ctx context.Context, owner, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var jobs int
	err = tx.QueryRowContext(ctx, `SELECT jobs FROM pending WHERE owner = ? AND id = ?`, owner, id).Scan(&jobs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	jobs--
	if jobs <= 0 {
		jobs = 0
		_, err = tx.ExecContext(ctx, `DELETE FROM pending WHERE owner = ? AND id = ?`, owner, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE pending SET jobs = ? WHERE owner = ? AND id = ?`, jobs, owner, id)
	}
	if err != nil {
		return 0, err
	}
	return jobs, tx.Commit()
}

func (s *sqliteStore) PendingIDs(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pending WHERE owner = ? AND jobs > 0 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) ResetPending(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending`)
	return err
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(owner, target_id, job_id, at, ok, items, err) VALUES(?,?,?,?,?,?,?)`,
		o.Owner, o.TargetID, o.JobID, o.At.UnixMilli(), o.OK, o.Items, nullStr(o.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneOutcomes(pctx); perr != nil {
			s.log.Debug("outcome prune failed", logx.Any("err", perr))
		}
		cancel()
	}
	return err
}

// pruneOutcomes keeps the newest s.keep outcomes per target.
func (s *sqliteStore) pruneOutcomes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE seq IN (
		   SELECT seq FROM (
		     SELECT seq, ROW_NUMBER() OVER (PARTITION BY owner, target_id ORDER BY seq DESC) AS rn FROM outcomes
		   ) WHERE rn > ?
		 )`, s.keep)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, owner, id string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, target_id, job_id, at, ok, items, err FROM outcomes
		 WHERE owner = ? AND target_id = ? ORDER BY seq DESC LIMIT ?`,
		owner, id, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var (
			o      Outcome
			at     int64
			errStr sql.NullString
		)
		if err := rows.Scan(&o.Owner, &o.TargetID, &o.JobID, &at, &o.OK, &o.Items, &errStr); err != nil {
			return nil, err
		}
		o.At = time.UnixMilli(at).UTC()
		o.Error = errStr.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SavePlan(ctx context.Context, p PlanRecord) error {
	b, err := json.Marshal(p.Batch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans(id, owner, win, created_at, budget, dry_run, total, batch) VALUES(?,?,?,?,?,?,?,?)`,
		p.ID, p.Owner, p.Window, p.CreatedAt.UnixMilli(), p.Budget, p.DryRun, p.Batch.TotalPlannedPosts, string(b),
	)
	return err
}

func (s *sqliteStore) ListPlans(ctx context.Context, owner string, limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, win, created_at, budget, dry_run, batch FROM plans
		 WHERE owner = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlanRecord
	for rows.Next() {
		var (
			p       PlanRecord
			created int64
			batch   string
		)
		if err := rows.Scan(&p.ID, &p.Owner, &p.Window, &created, &p.Budget, &p.DryRun, &batch); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(created).UTC()
		if err := json.Unmarshal([]byte(batch), &p.Batch); err != nil {
			return nil, fmt.Errorf("plan %s: decode batch: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UsedPosts(ctx context.Context, owner, window string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total), 0) FROM plans WHERE owner = ? AND win = ? AND dry_run = 0`,
		owner, window,
	).Scan(&used)
	return used, err
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
