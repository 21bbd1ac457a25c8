package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("bad json line %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLevelsAndFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").Component("dispatch").With(String("owner", "acme"))

	log.Debug("hidden")
	log.Warn("page failed", Int("page", 2), Err(errors.New("boom")), Err(nil))

	got := lines(t, &buf)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	rec := got[0]
	if rec["message"] != "page failed" || rec["level"] != "warn" {
		t.Fatalf("record = %v", rec)
	}
	if rec[ComponentKey] != "dispatch" || rec["owner"] != "acme" || rec["page"] != float64(2) || rec["err"] != "boom" {
		t.Fatalf("fields = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestComponentOverride(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	root := NewWriter(&buf, "warn")
	st := *root.svc.load()
	st.comps = map[string]Level{"scheduler": LevelDebug, "fetch": LevelError}
	root.svc.st.Store(&st)

	root.Info("root info")
	root.Component("scheduler").Debug("sched debug")
	root.Component("fetch").Warn("fetch warn")
	root.Component("runner").Warn("runner warn")

	var msgs []string
	for _, rec := range lines(t, &buf) {
		msgs = append(msgs, rec["message"].(string))
	}
	if want := "sched debug,runner warn"; strings.Join(msgs, ",") != want {
		t.Fatalf("messages = %v, want %s", msgs, want)
	}
	if !root.Component("scheduler").Enabled(LevelDebug) || root.Enabled(LevelInfo) {
		t.Fatal("Enabled does not follow overrides")
	}
}

func TestNopAndParseLevel(t *testing.T) {
	t.Parallel()
	var zero Logger
	zero.Error("dropped")
	if !zero.IsZero() || !Nop().IsZero() || zero.Enabled(LevelError) {
		t.Fatal("zero logger should be a no-op")
	}
	if NewWriter(&bytes.Buffer{}, "").IsZero() {
		t.Fatal("writer logger reported zero")
	}
	if ParseLevel("WARNING", LevelInfo) != LevelWarn || ParseLevel("loud", LevelInfo) != LevelInfo {
		t.Fatal("ParseLevel")
	}
	if ValidLevel("verbose") || !ValidLevel(" Debug ") {
		t.Fatal("ValidLevel")
	}
}
