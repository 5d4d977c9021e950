package realtime

import (
	"sync"
	"time"
)

// LeadTimeOneHour is the bucket of reminders fired about an hour ahead.
const LeadTimeOneHour = "1h"

// ReminderKey identifies one reminder: an entity, one of its scheduled dates
// and a lead-time bucket.
type ReminderKey struct {
	EntityID string
	Date     time.Time
	Bucket   string
}

func newReminderKey(entityID string, date time.Time, bucket string) ReminderKey {
	return ReminderKey{EntityID: entityID, Date: date.UTC().Round(0), Bucket: bucket}
}

// dedupSet remembers fired reminder keys. Eviction is driven by the date
// embedded in each key.
type dedupSet struct {
	mu   sync.Mutex
	keys map[ReminderKey]struct{}
}

func newDedupSet() *dedupSet {
	return &dedupSet{keys: map[ReminderKey]struct{}{}}
}

// reserve inserts key and reports whether it was absent.
func (d *dedupSet) reserve(key ReminderKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return false
	}
	d.keys[key] = struct{}{}
	return true
}

func (d *dedupSet) release(key ReminderKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
}

// sweep drops keys whose date is older than cutoff.
func (d *dedupSet) sweep(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key := range d.keys {
		if key.Date.Before(cutoff) {
			delete(d.keys, key)
			removed++
		}
	}
	return removed
}

func (d *dedupSet) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *dedupSet) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = map[ReminderKey]struct{}{}
}
