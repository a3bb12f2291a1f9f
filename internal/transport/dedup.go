package transport

import "time"

// dedupe is the transport-level filter that drops already-seen events by
// their client-assigned idempotency key. The seen-at time is stored next
// to the key so pruning never has to inspect the key itself. Not safe for
// concurrent use; the transport guards it with its own mutex.
type dedupe struct {
	retention time.Duration
	seen      map[string]time.Time
}

func newDedupe(retention time.Duration) *dedupe {
	return &dedupe{
		retention: retention,
		seen:      map[string]time.Time{},
	}
}

// isDuplicate reports whether the key has been seen inside the retention
// window, recording it if not.
func (d *dedupe) isDuplicate(key string, now time.Time) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = now
	return false
}

// prune removes keys older than the retention window and returns how many
// were dropped.
func (d *dedupe) prune(now time.Time) int {
	pruned := 0
	for key, seenAt := range d.seen {
		if now.Sub(seenAt) > d.retention {
			delete(d.seen, key)
			pruned++
		}
	}
	return pruned
}
