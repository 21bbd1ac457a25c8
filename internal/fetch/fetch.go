// Package fetch is the port through which dispatched jobs retrieve posts.
//
// Two backends exist: DryRun, which only logs what would be fetched, and
// HTTP, which forwards each request to a collector service.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crawlsched/internal/planner"
	logx "crawlsched/pkg/logx"
)

// Request asks for up to Limit posts for one target.
type Request struct {
	JobID    string           `json:"job_id"`
	Owner    string           `json:"owner"`
	TargetID string           `json:"target_id"`
	Kind     planner.TaskKind `json:"kind"`
	Query    string           `json:"query"`
	Limit    int              `json:"limit"`
	// Page is the zero-based slice of the planned task this job covers.
	Page int `json:"page"`
}

type Result struct {
	Items int `json:"items"`
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

type Config struct {
	// Driver is "dry_run" (default) or "http".
	Driver     string
	Endpoint   string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
}

// New builds the configured backend.
func New(cfg Config, log logx.Logger) (Fetcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "dry_run":
		return DryRun{log: log}, nil
	case "http":
		return NewHTTP(cfg, log)
	default:
		return nil, fmt.Errorf("unknown fetch driver %q", cfg.Driver)
	}
}

// DryRun reports every request as fully served without doing I/O.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) DryRun { return DryRun{log: log} }

func (d DryRun) Fetch(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d.log.Info("dry-run fetch",
		logx.String("owner", req.Owner),
		logx.String("target", req.TargetID),
		logx.String("kind", string(req.Kind)),
		logx.String("query", req.Query),
		logx.Int("limit", req.Limit),
		logx.Int("page", req.Page),
	)
	return Result{Items: req.Limit}, nil
}
