package engine

import (
	"sync"
	"time"
)

// breaker is the failure state of one job key (one crawl target).
//
// While closed it counts consecutive failures; reaching BreakerThreshold opens
// it for BreakerCooldown. When the cooldown lapses the next job is a probe: a
// success forgets the key, a failure reopens at once with the cooldown doubled
// (capped at BreakerMaxCooldown).
type breaker struct {
	fails     int
	trips     int
	openUntil time.Time
}

type breakerSet struct {
	mu sync.Mutex
	m  map[string]*breaker
}

func breakerEnabled(cfg Config, key string) bool {
	return cfg.BreakerThreshold > 0 && key != ""
}

// blocked reports whether key is open at now and until when.
func (b *breakerSet) blocked(now time.Time, key string, cfg Config) (bool, time.Time) {
	if !breakerEnabled(cfg, key) {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.m[key]; ok && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breakerSet) record(now time.Time, key string, cfg Config, err error) {
	if !breakerEnabled(cfg, key) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.m, key)
		return
	}
	if b.m == nil {
		b.m = map[string]*breaker{}
	}
	st, ok := b.m[key]
	if !ok {
		st = &breaker{}
		b.m[key] = st
	}
	st.fails++
	if st.trips == 0 && st.fails < cfg.BreakerThreshold {
		return
	}
	st.trips++
	st.fails = 0
	st.openUntil = now.Add(tripCooldown(cfg, st.trips))
}

func tripCooldown(cfg Config, trips int) time.Duration {
	d := cfg.BreakerCooldown
	for ; trips > 1 && d < cfg.BreakerMaxCooldown; trips-- {
		d *= 2
	}
	return min(d, cfg.BreakerMaxCooldown)
}

// counts returns how many keys carry failure state and how many are open.
func (b *breakerSet) counts(now time.Time) (tracked, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.m {
		tracked++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return tracked, open
}
