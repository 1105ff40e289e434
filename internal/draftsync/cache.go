package draftsync

import "sort"

// DraftCache holds the client-side view of each record's editable fields:
// the last confirmed remote record plus any local draft ahead of it.
// It is not safe for concurrent use; Syncer serializes access.
type DraftCache struct {
	defaults Fields
	remote   map[string]Record
	drafts   map[string]Fields
}

func NewDraftCache(defaults Fields) *DraftCache {
	return &DraftCache{
		defaults: defaults.Clone(),
		remote:   map[string]Record{},
		drafts:   map[string]Fields{},
	}
}

// Seed replaces drafts with the incoming records' editable fields, except for
// keys where pending reports true. Remote records are always refreshed. Keys
// missing from records are forgotten unless pending.
func (c *DraftCache) Seed(records []Record, pending func(key string) bool) {
	isPending := func(key string) bool {
		return pending != nil && pending(key)
	}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		seen[rec.Key] = struct{}{}
		if isPending(rec.Key) {
			// Pin what the caller currently reads before remote moves under it.
			if _, ok := c.drafts[rec.Key]; !ok {
				c.drafts[rec.Key] = c.Get(rec.Key)
			}
			c.remote[rec.Key] = rec.Clone()
			continue
		}
		c.remote[rec.Key] = rec.Clone()
		c.drafts[rec.Key] = rec.Fields.Clone()
	}
	for key := range c.remote {
		if _, ok := seen[key]; ok || isPending(key) {
			continue
		}
		delete(c.remote, key)
	}
	for key := range c.drafts {
		if _, ok := seen[key]; ok || isPending(key) {
			continue
		}
		delete(c.drafts, key)
	}
}

// Get returns a copy of the draft for key, falling back to the last known
// remote fields and then to the defaults.
func (c *DraftCache) Get(key string) Fields {
	if draft, ok := c.drafts[key]; ok {
		return draft.Clone()
	}
	if rec, ok := c.remote[key]; ok {
		return rec.Fields.Clone()
	}
	out := c.defaults.Clone()
	if out == nil {
		out = Fields{}
	}
	return out
}

// Patch merges partial over the current draft and returns the result.
func (c *DraftCache) Patch(key string, partial Fields) Fields {
	draft := c.Get(key)
	for field, value := range partial {
		draft[field] = cloneValue(value)
	}
	c.drafts[key] = draft
	return draft.Clone()
}

func (c *DraftCache) Remote(key string) (Record, bool) {
	rec, ok := c.remote[key]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// SetRemote records a confirmed remote state without touching the draft.
func (c *DraftCache) SetRemote(rec Record) {
	if rec.Key == "" {
		return
	}
	c.remote[rec.Key] = rec.Clone()
}

// Reset discards the draft for key so Get reads remote truth again.
func (c *DraftCache) Reset(key string) {
	delete(c.drafts, key)
}

func (c *DraftCache) HasDraft(key string) bool {
	_, ok := c.drafts[key]
	return ok
}

// Dirty reports whether the draft for key differs from the remote record.
func (c *DraftCache) Dirty(key string) bool {
	draft, ok := c.drafts[key]
	if !ok {
		return false
	}
	rec, ok := c.remote[key]
	if !ok {
		return true
	}
	return !fieldsEqual(draft, rec.Fields)
}

// Keys returns every key with a draft or a remote record, sorted.
func (c *DraftCache) Keys() []string {
	set := make(map[string]struct{}, len(c.remote)+len(c.drafts))
	for key := range c.remote {
		set[key] = struct{}{}
	}
	for key := range c.drafts {
		set[key] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
