package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crawlsched/internal/planner"
	"crawlsched/internal/task/engine"
	logx "crawlsched/pkg/logx"
)

func TestHTTPFetch(t *testing.T) {
	t.Parallel()
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"items": 37}`))
	}))
	defer srv.Close()

	f, err := New(Config{Driver: "http", Endpoint: srv.URL + "/", Token: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := f.Fetch(context.Background(), Request{JobID: "j1", Owner: "o1", TargetID: "kw", Kind: planner.TaskSearch, Query: "golang", Limit: 40})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Items != 37 || got.Query != "golang" || got.Limit != 40 {
		t.Fatalf("result = %+v, request = %+v", res, got)
	}
}

func TestHTTPFetchStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		status      int
		header      string
		wantNoRetry bool
		wantAfter   time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: "7", wantAfter: 7 * time.Second},
		{name: "rate limited without hint", status: http.StatusTooManyRequests, wantAfter: defaultRetryAfter},
		{name: "not found", status: http.StatusNotFound, wantNoRetry: true},
		{name: "server error", status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f, err := NewHTTP(Config{Endpoint: srv.URL}, logx.Nop())
			if err != nil {
				t.Fatalf("NewHTTP: %v", err)
			}
			_, err = f.Fetch(context.Background(), Request{Kind: planner.TaskAccount, Limit: 10})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := engine.IsNoRetry(err); got != tt.wantNoRetry {
				t.Fatalf("IsNoRetry = %v, want %v (err %v)", got, tt.wantNoRetry, err)
			}
			var ra engine.RetryAfterError
			hasHint := errors.As(err, &ra)
			if tt.wantAfter > 0 {
				if !hasHint || ra.RetryAfter() != tt.wantAfter {
					t.Fatalf("retry hint = %v (present %v), want %v", ra, hasHint, tt.wantAfter)
				}
			} else if hasHint {
				t.Fatalf("unexpected retry hint on %v", err)
			}
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Driver: "ftp"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := New(Config{Driver: "http"}, logx.Nop()); err == nil {
		t.Fatal("expected missing endpoint error")
	}
	f, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New(dry run): %v", err)
	}
	res, err := f.Fetch(context.Background(), Request{Limit: 25})
	if err != nil || res.Items != 25 {
		t.Fatalf("dry run = %+v, %v", res, err)
	}
}
