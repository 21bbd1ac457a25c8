package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crawlsched/internal/config"
	"crawlsched/internal/planner"
	logx "crawlsched/pkg/logx"

	"github.com/go-chi/chi/v5"
)

func (a *api) listOwners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Runner.Owners()})
}

func (a *api) listTargets(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	targets, err := a.Store.ListTargets(r.Context(), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	pending, err := a.Store.PendingIDs(r.Context(), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if targets == nil {
		targets = []planner.Target{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": targets, "pending": pending})
}

// targetBody mirrors one owners[].targets[] entry of the config file.
type targetBody struct {
	Kind           string  `json:"kind"`
	Query          string  `json:"query"`
	Enabled        *bool   `json:"enabled,omitempty"`
	MaxPostsPerRun int     `json:"max_posts_per_run"`
	BasePriority   float64 `json:"base_priority,omitempty"`
	Cooldown       string  `json:"cooldown,omitempty"`
}

// putTarget creates or updates a target. Runtime state (last run, hold) is kept.
func (a *api) putTarget(w http.ResponseWriter, r *http.Request) {
	owner, id := chi.URLParam(r, "owner"), chi.URLParam(r, "id")
	var body targetBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	targets, err := config.OwnerTargets(config.OwnerConfig{
		ID: owner,
		Targets: []config.TargetConfig{{
			ID:             id,
			Kind:           body.Kind,
			Query:          body.Query,
			Enabled:        body.Enabled,
			MaxPostsPerRun: body.MaxPostsPerRun,
			BasePriority:   body.BasePriority,
			Cooldown:       body.Cooldown,
		}},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := a.Store.UpsertTarget(r.Context(), targets[0]); err != nil {
		writeStoreError(w, err)
		return
	}
	t, err := a.Store.GetTarget(r.Context(), owner, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type holdBody struct {
	// Until is RFC3339; empty together with For clears the hold.
	Until string `json:"until"`
	For   string `json:"for"`
}

func (a *api) holdTarget(w http.ResponseWriter, r *http.Request) {
	owner, id := chi.URLParam(r, "owner"), chi.URLParam(r, "id")
	var body holdBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var until time.Time
	switch {
	case strings.TrimSpace(body.Until) != "" && strings.TrimSpace(body.For) != "":
		writeError(w, http.StatusBadRequest, "bad_request", "set either until or for, not both")
		return
	case strings.TrimSpace(body.Until) != "":
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(body.Until))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("until: %v", err))
			return
		}
		until = t
	case strings.TrimSpace(body.For) != "":
		d, err := config.ParseDurationField("for", body.For)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "for must be a positive duration")
			return
		}
		until = a.Now().Add(d)
	}

	if err := a.Store.SetHold(r.Context(), owner, id, until); err != nil {
		writeStoreError(w, err)
		return
	}
	t, err := a.Store.GetTarget(r.Context(), owner, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type admissionResponse struct {
	planner.AdmissionDecision
	CooldownRemainingMs int64     `json:"cooldown_remaining_ms"`
	At                  time.Time `json:"at"`
}

func (a *api) checkAdmission(w http.ResponseWriter, r *http.Request) {
	owner, id := chi.URLParam(r, "owner"), chi.URLParam(r, "id")
	q := r.URL.Query()

	at := a.Now()
	if raw := strings.TrimSpace(q.Get("at")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("at: %v", err))
			return
		}
		at = t
	}
	quality, err := planner.ParseQualityStatus(q.Get("quality"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	d, err := a.Runner.Check(r.Context(), owner, id, at, quality)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, admissionResponse{
		AdmissionDecision:   d,
		CooldownRemainingMs: d.CooldownRemaining.Milliseconds(),
		At:                  at,
	})
}

func (a *api) listPlans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
		return
	}
	plans, err := a.Store.ListPlans(r.Context(), chi.URLParam(r, "owner"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": plans})
}

func (a *api) runPlan(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "dry_run must be a boolean")
			return
		}
		dryRun = v
	}
	res, err := a.Runner.Run(r.Context(), chi.URLParam(r, "owner"), dryRun)
	if err != nil && res.Plan.ID == "" {
		writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if err != nil {
		// The plan was saved but dispatch failed part way.
		status = http.StatusAccepted
		a.Log.Warn("plan dispatched partially", logx.String("plan", res.Plan.ID), logx.Err(err))
	}
	w.Header().Set("Location", "/api/v1/owners/"+res.Plan.Owner+"/plans")
	writeJSON(w, status, res)
}

func (a *api) engineSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.Engine == nil {
		writeError(w, http.StatusNotFound, "not_found", "engine not running")
		return
	}
	writeJSON(w, http.StatusOK, a.Engine.Snapshot())
}

func (a *api) schedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		writeError(w, http.StatusNotFound, "not_found", "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, a.Scheduler.Snapshot())
}

func (a *api) notifierHistory(w http.ResponseWriter, r *http.Request) {
	if a.Notifier == nil {
		writeError(w, http.StatusNotFound, "not_found", "notifier disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Notifier.Snapshot()})
}

// runtimeSnapshot lists the daemon's supervised goroutines with their restart
// and panic counts.
func (a *api) runtimeSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.Runtime == nil {
		writeError(w, http.StatusNotFound, "not_found", "runtime not available")
		return
	}
	writeJSON(w, http.StatusOK, a.Runtime.Snapshot())
}
