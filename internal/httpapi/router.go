// Package httpapi serves the inspection API under /api/v1.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crawlsched/internal/notifier"
	"crawlsched/internal/orchestrator"
	"crawlsched/internal/planner"
	"crawlsched/internal/runtime/supervisor"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/engine"
	"crawlsched/internal/task/scheduler"
	logx "crawlsched/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Runner is the slice of orchestrator.Runner the API drives.
type Runner interface {
	Owners() []string
	Run(ctx context.Context, owner string, dryRun bool) (orchestrator.RunResult, error)
	Check(ctx context.Context, owner, targetID string, at time.Time, quality planner.QualityStatus) (planner.AdmissionDecision, error)
}

// Deps wires the API to the running daemon. Engine, Scheduler, Notifier and
// Runtime may be nil; their endpoints then report 404.
type Deps struct {
	Store     storage.Store
	Runner    Runner
	Engine    interface{ Snapshot() engine.Snapshot }
	Scheduler interface{ Snapshot() scheduler.Snapshot }
	Notifier  interface{ Snapshot() []notifier.HistoryItem }
	Runtime   interface{ Snapshot() supervisor.Snapshot }
	Log       logx.Logger
	// Token, when set, is required as a Bearer token on /api/v1.
	Token string
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
	Now   func() time.Time
}

type api struct {
	Deps
}

// NewHandler builds the root router.
func NewHandler(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "use a versioned path like /api/v1/...")
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		if d.Token != "" {
			v1.Use(bearerAuth(d.Token))
		}
		v1.Get("/owners", a.listOwners)
		v1.Route("/owners/{owner}", func(o chi.Router) {
			o.Get("/targets", a.listTargets)
			o.Put("/targets/{id}", a.putTarget)
			o.Post("/targets/{id}/hold", a.holdTarget)
			o.Get("/targets/{id}/admission", a.checkAdmission)
			o.Get("/plans", a.listPlans)
			o.Post("/plan", a.runPlan)
		})
		v1.Get("/engine", a.engineSnapshot)
		v1.Get("/scheduler", a.schedulerSnapshot)
		v1.Get("/notifier", a.notifierHistory)
		v1.Get("/runtime", a.runtimeSnapshot)
	})
	if d.Pprof {
		prof := middleware.Profiler()
		if d.Token != "" {
			prof = bearerAuth(d.Token)(prof)
		}
		r.Mount("/debug", prof)
	}
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// writeStoreError maps domain errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownOwner):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
