package draftsync

import (
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/clock"
)

// Debouncer keeps at most one timer per key. Scheduling a key replaces its
// timer; a replaced timer never fires. A key whose timer has fired stays
// pending until the fire callback claims it, so there is no moment between the
// timer firing and the write starting in which the key looks idle.
type Debouncer struct {
	clock  clock.Clock
	mu     sync.Mutex
	timers map[string]*debounceEntry
}

type debounceEntry struct {
	timer    clock.Timer
	deadline time.Time
	fired    bool
}

func NewDebouncer(c clock.Clock) *Debouncer {
	if c == nil {
		c = clock.Real()
	}
	return &Debouncer{
		clock:  c,
		timers: map[string]*debounceEntry{},
	}
}

func (d *Debouncer) Schedule(key string, delay time.Duration, fire func(key string)) {
	if delay < 0 {
		delay = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.timers[key]; ok {
		existing.timer.Stop()
		delete(d.timers, key)
	}
	entry := &debounceEntry{deadline: d.clock.Now().Add(delay)}
	entry.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[key] != entry {
			d.mu.Unlock()
			return
		}
		entry.fired = true
		d.mu.Unlock()
		fire(key)
	})
	d.timers[key] = entry
}

// Claim removes a fired entry for key. It reports false when the timer was
// cancelled or replaced after firing, in which case the callback must not
// write.
func (d *Debouncer) Claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.timers[key]
	if !ok || !entry.fired {
		return false
	}
	delete(d.timers, key)
	return true
}

// Cancel stops the timer for key without firing it. A fired entry that has not
// been claimed is dropped as well.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.timers, key)
	return true
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

func (d *Debouncer) Deadline(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// Stop cancels every timer and returns the keys that were pending, including
// keys whose timer fired but was not claimed yet.
func (d *Debouncer) Stop() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.timers))
	for key, entry := range d.timers {
		entry.timer.Stop()
		keys = append(keys, key)
	}
	d.timers = map[string]*debounceEntry{}
	sort.Strings(keys)
	return keys
}
