package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxSpread = 30 * time.Second

// alignedEvery fires on multiples of every (counted from the Unix epoch, so
// hourly runs line up with hourly budget windows) shifted by offset.
type alignedEvery struct {
	every  time.Duration
	offset time.Duration
}

var _ cron.Schedule = alignedEvery{}

func (s alignedEvery) Next(t time.Time) time.Time {
	next := t.Truncate(s.every).Add(s.offset)
	for !next.After(t) {
		next = next.Add(s.every)
	}
	return next
}

// intervalWithSpread returns an aligned interval schedule and its offset. The
// offset is derived from name and stays below min(every, 30s), so owners on
// the same interval do not all plan in the same second.
func intervalWithSpread(every time.Duration, name string) (cron.Schedule, time.Duration) {
	limit := min(every, maxSpread)
	if limit <= 0 {
		return alignedEvery{every: every}, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := time.Duration(h.Sum64() % uint64(limit))
	return alignedEvery{every: every, offset: offset}, offset
}
