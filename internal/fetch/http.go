package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crawlsched/internal/task/engine"
	logx "crawlsched/pkg/logx"

	"golang.org/x/time/rate"
)

const defaultRetryAfter = 30 * time.Second

// HTTP posts each request as JSON to <endpoint>/<kind> ("account" or "search")
// and expects {"items": n} back.
//
// Status mapping: 2xx succeeds, 429 retries after the Retry-After hint,
// other 4xx are permanent, 5xx and transport errors are retried.
type HTTP struct {
	client   *http.Client
	endpoint string
	token    string
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewHTTP(cfg Config, log logx.Logger) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if base == "" {
		return nil, errors.New("fetch endpoint required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("fetch endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTP{
		client:   &http.Client{Timeout: timeout},
		endpoint: base,
		token:    cfg.Token,
		log:      log,
	}
	if cfg.RatePerSec > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	return h, nil
}

func (h *HTTP) Fetch(ctx context.Context, req Request) (Result, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, engine.NoRetry(fmt.Errorf("encode request: %w", err))
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/"+string(req.Kind), bytes.NewReader(body))
	if err != nil {
		return Result{}, engine.NoRetry(err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("X-Request-ID", req.JobID)
	if h.token != "" {
		hr.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(hr)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", req.TargetID, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, engine.RetryAfter(statusError(resp, payload), retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{}, engine.NoRetry(statusError(resp, payload))
	case resp.StatusCode >= 300:
		return Result{}, statusError(resp, payload)
	}

	var out Result
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return Result{}, engine.NoRetry(fmt.Errorf("decode response: %w", err))
		}
	}
	h.log.Debug("fetched", logx.String("target", req.TargetID), logx.Int("items", out.Items), logx.Int("limit", req.Limit))
	return out, nil
}

func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return fmt.Errorf("collector returned %s: %s", resp.Status, msg)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return defaultRetryAfter
}
