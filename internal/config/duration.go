package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// parseDuration accepts time.ParseDuration syntax plus a leading whole-day
// component, e.g. "7d" or "1d12h".
func parseDuration(s string) (time.Duration, error) {
	days, rest, ok := strings.Cut(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	n, err := strconv.ParseUint(days, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad day count %q", days)
	}
	d := time.Duration(n) * day
	if rest == "" {
		return d, nil
	}
	extra, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	if extra < 0 {
		return 0, fmt.Errorf("sign must lead the value")
	}
	return d + extra, nil
}

// ParseDurationField parses an optional non-negative duration. Empty means 0;
// errors are prefixed with the config path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if d, err := ParseDurationField(path, raw); err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
