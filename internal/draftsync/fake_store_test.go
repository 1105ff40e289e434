package draftsync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

var errTransient = errors.New("connection reset")

type updateCall struct {
	key    string
	fields Fields
	base   string
}

type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]Record
	stats    []Record
	revision int
	updates  []updateCall
	failures []error
	listErr  error
	statsErr error

	// updateStarted/updateRelease gate Update when set.
	updateStarted chan struct{}
	updateRelease chan struct{}
	// listStarted/listRelease gate List after the snapshot is taken.
	listStarted chan struct{}
	listRelease chan struct{}
}

func newFakeStore(records ...Record) *fakeStore {
	f := &fakeStore{rows: map[string]Record{}}
	for _, rec := range records {
		f.put(rec)
	}
	return f
}

func (f *fakeStore) put(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision++
	rec = rec.Clone()
	if rec.Version == "" {
		rec.Version = strconv.Itoa(f.revision)
	}
	f.rows[rec.Key] = rec
}

func (f *fakeStore) List(ctx context.Context, table Table) ([]Record, error) {
	f.mu.Lock()
	if f.listErr != nil {
		err := f.listErr
		f.mu.Unlock()
		return nil, err
	}
	out := make([]Record, 0, len(f.rows))
	for _, rec := range f.rows {
		out = append(out, rec.Clone())
	}
	started, release := f.listStarted, f.listRelease
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if started != nil {
		started <- struct{}{}
		<-release
	}
	return out, nil
}

func (f *fakeStore) ListStats(ctx context.Context, table Table) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	out := make([]Record, 0, len(f.stats))
	for _, rec := range f.stats {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (f *fakeStore) Update(ctx context.Context, table Table, key string, fields Fields, baseVersion string) (Record, error) {
	f.mu.Lock()
	f.updates = append(f.updates, updateCall{key: key, fields: fields.Clone(), base: baseVersion})
	started, release := f.updateStarted, f.updateRelease
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return Record{}, err
		}
	}
	rec, ok := f.rows[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if baseVersion != "" && baseVersion != rec.Version {
		return Record{}, &ConflictError{Table: table.Name, Key: key, ExpectedVersion: baseVersion, CurrentVersion: rec.Version}
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	f.revision++
	rec.Version = strconv.Itoa(f.revision)
	f.rows[key] = rec
	return rec.Clone(), nil
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeStore) lastUpdate() updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return updateCall{}
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeStore) row(key string) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[key].Clone()
}

type memOutbox struct {
	mu     sync.Mutex
	writes map[string]PendingWrite
}

func newMemOutbox() *memOutbox {
	return &memOutbox{writes: map[string]PendingWrite{}}
}

func (o *memOutbox) Save(ctx context.Context, write PendingWrite) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes[write.Table+"|"+write.Key] = write
	return nil
}

func (o *memOutbox) Delete(ctx context.Context, table, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.writes, table+"|"+key)
	return nil
}

func (o *memOutbox) Load(ctx context.Context, table string) ([]PendingWrite, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []PendingWrite
	for _, write := range o.writes {
		if write.Table == table {
			out = append(out, write)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (o *memOutbox) Close() error {
	return nil
}

func (o *memOutbox) get(table, key string) (PendingWrite, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	write, ok := o.writes[table+"|"+key]
	return write, ok
}
