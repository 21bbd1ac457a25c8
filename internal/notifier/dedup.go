package notifier

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	kit "crawlsched/internal/transport"
)

func dedupKey(n kit.Notification) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s:%d:%d|%s", n.Channel, n.Target.Chat, n.Target.ThreadID, n.Priority, n.Text)
	return h.Sum64()
}

type dedupEntry struct {
	key   uint64
	until time.Time
}

// dedupSet remembers recent keys. Entries are appended in admission order;
// with one window for all keys that is also expiry order, so the oldest
// entries are always at the front.
type dedupSet struct {
	mu    sync.Mutex
	until map[uint64]time.Time
	order []dedupEntry
}

// admit reports whether key is new within window, and records it.
func (d *dedupSet) admit(key uint64, window time.Duration, maxEntries int) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.until == nil {
		d.until = map[uint64]time.Time{}
	}

	drop := 0
	for drop < len(d.order) && (!now.Before(d.order[drop].until) || len(d.order)-drop >= maxEntries) {
		e := d.order[drop]
		// A key re-admitted later has a newer expiry; leave that one.
		if d.until[e.key].Equal(e.until) {
			delete(d.until, e.key)
		}
		drop++
	}
	d.order = d.order[drop:]

	if until, ok := d.until[key]; ok && now.Before(until) {
		return false
	}
	e := dedupEntry{key: key, until: now.Add(window)}
	d.until[key] = e.until
	d.order = append(d.order, e)
	return true
}
