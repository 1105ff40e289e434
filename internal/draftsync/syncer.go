// Package draftsync keeps locally edited drafts of remote records and writes
// them back after edits settle.
//
// Edits land in a DraftCache immediately. A per-key Debouncer delays the write
// until the key has been quiet for the debounce delay, then the current draft
// is written to the RemoteStore. Writes for one key never overlap. Periodic
// refreshes reseed the cache without touching keys that still have work
// pending, so a background fetch cannot discard an edit.
package draftsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/clock"
	"github.com/agentworkforce/outreachdesk/internal/logging"
)

const (
	DefaultDebounceDelay  = 400 * time.Millisecond
	DefaultWriteTimeout   = 15 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

type KeyState string

const (
	StateClean    KeyState = "clean"
	StateEditing  KeyState = "editing"
	StateFlushing KeyState = "flushing"
	StateRetrying KeyState = "retrying"
	StateFailed   KeyState = "failed"
)

type Options struct {
	Table          Table
	DebounceDelay  time.Duration
	WriteTimeout   time.Duration
	RefreshTimeout time.Duration
	Retry          RetryPolicy
	// DetectConflicts sends the version each draft was based on with its write.
	DetectConflicts bool
	Outbox          Outbox
	Clock           clock.Clock
	Logger          logging.Logger
}

type Failure struct {
	Kind           FailureKind `json:"kind"`
	Message        string      `json:"message"`
	At             time.Time   `json:"at"`
	CurrentVersion string      `json:"currentVersion,omitempty"`
}

type Status struct {
	State         KeyState   `json:"state"`
	Attempts      int        `json:"attempts,omitempty"`
	BaseVersion   string     `json:"baseVersion,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	Failure       *Failure   `json:"failure,omitempty"`
}

type RecordView struct {
	Key      string `json:"key"`
	Version  string `json:"version,omitempty"`
	Draft    Fields `json:"draft"`
	Remote   Fields `json:"remote,omitempty"`
	ReadOnly Fields `json:"readOnly,omitempty"`
	Stats    Fields `json:"stats,omitempty"`
	Dirty    bool   `json:"dirty"`
	Status   Status `json:"status"`
}

type TableSnapshot struct {
	Table            string       `json:"table"`
	Records          []RecordView `json:"records"`
	LastRefreshAt    *time.Time   `json:"lastRefreshAt,omitempty"`
	LastRefreshError string       `json:"lastRefreshError,omitempty"`
	Stale            bool         `json:"stale"`
}

type keyState struct {
	inFlight       bool
	rerun          bool
	retrying       bool
	attempts       int
	failure        *Failure
	baseVersion    string
	lastWriteEpoch uint64
}

type Syncer struct {
	store           RemoteStore
	table           Table
	delay           time.Duration
	writeTimeout    time.Duration
	refreshTimeout  time.Duration
	retry           RetryPolicy
	detectConflicts bool
	outbox          Outbox
	clock           clock.Clock
	logger          logging.Logger

	mu             sync.Mutex
	cache          *DraftCache
	debouncer      *Debouncer
	keys           map[string]*keyState
	stats          map[string]Fields
	epoch          uint64
	lastRefreshAt  time.Time
	lastRefreshErr error
	subs           map[int]chan Event
	nextSub        int
	closed         bool

	invalidated chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewSyncer(store RemoteStore, opts Options) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	table := opts.Table
	table.Name = strings.TrimSpace(table.Name)
	if table.Name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if strings.TrimSpace(table.KeyField) == "" {
		return nil, fmt.Errorf("table %s: key field is required", table.Name)
	}
	delay := opts.DebounceDelay
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		store:           store,
		table:           table,
		delay:           delay,
		writeTimeout:    writeTimeout,
		refreshTimeout:  refreshTimeout,
		retry:           opts.Retry.withDefaults(),
		detectConflicts: opts.DetectConflicts,
		outbox:          opts.Outbox,
		clock:           c,
		logger:          logging.OrNop(opts.Logger).With("table", table.Name),
		cache:           NewDraftCache(table.Defaults),
		debouncer:       NewDebouncer(c),
		keys:            map[string]*keyState{},
		stats:           map[string]Fields{},
		subs:            map[int]chan Event{},
		invalidated:     make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

func (s *Syncer) Table() Table {
	return s.table
}

// Get returns the current draft for key.
func (s *Syncer) Get(key string) Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(key)
}

// Patch merges patch into the draft for key, schedules a debounced write and
// returns the new draft. Read-only and unknown fields are dropped and values
// are coerced by the table, so Patch never fails.
func (s *Syncer) Patch(key string, patch Fields) Fields {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := s.table.Sanitize(key, patch)
	if key == "" || s.closed || len(clean) == 0 {
		return s.cache.Get(key)
	}
	ks := s.keyLocked(key)
	draft := s.cache.Patch(key, clean)
	ks.failure = nil
	ks.attempts = 0
	ks.retrying = false
	s.debouncer.Schedule(key, s.delay, s.fire)
	s.emitLocked(Event{Type: EventPatched, Key: key})
	return draft
}

// Cancel drops the pending timer for key without writing. The draft stays
// until the next refresh reseeds it.
func (s *Syncer) Cancel(key string) bool {
	s.mu.Lock()
	stopped := s.debouncer.Cancel(key)
	if ks, ok := s.keys[key]; ok {
		ks.retrying = false
	}
	if stopped {
		s.emitLocked(Event{Type: EventCanceled, Key: key})
	}
	s.mu.Unlock()
	if stopped {
		s.deleteOutbox(key)
	}
	return stopped
}

// Discard throws away the draft and any failure for key and reverts to the
// last known remote record.
func (s *Syncer) Discard(key string) {
	s.mu.Lock()
	s.debouncer.Cancel(key)
	if ks, ok := s.keys[key]; ok {
		ks.failure = nil
		ks.attempts = 0
		ks.retrying = false
		ks.rerun = false
		if rec, ok := s.cache.Remote(key); ok {
			ks.baseVersion = rec.Version
		}
	}
	s.cache.Reset(key)
	s.emitLocked(Event{Type: EventDiscarded, Key: key})
	s.mu.Unlock()
	s.deleteOutbox(key)
}

// Retry schedules an immediate write for a failed or retrying key. A conflict
// is retried against the newest known remote version, so the draft wins.
func (s *Syncer) Retry(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ks, ok := s.keys[key]
	if !ok || (ks.failure == nil && !ks.retrying) {
		return fmt.Errorf("%w: %s", ErrNothingPending, key)
	}
	if ks.failure != nil && ks.failure.Kind == FailureConflict {
		if ks.failure.CurrentVersion != "" {
			ks.baseVersion = ks.failure.CurrentVersion
		} else if rec, ok := s.cache.Remote(key); ok {
			ks.baseVersion = rec.Version
		}
	}
	ks.failure = nil
	ks.attempts = 0
	ks.retrying = false
	s.debouncer.Schedule(key, 0, s.fire)
	s.emitLocked(Event{Type: EventPatched, Key: key})
	return nil
}

// Flush writes the current draft for key now, bypassing the debounce delay.
func (s *Syncer) Flush(ctx context.Context, key string) error {
	return s.writeKey(ctx, key, false)
}

// FlushAll writes every key with a pending timer.
func (s *Syncer) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	var keys []string
	for _, key := range s.cache.Keys() {
		if s.debouncer.Pending(key) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	var errs []error
	for _, key := range keys {
		if err := s.writeKey(ctx, key, false); err != nil && !errors.Is(err, ErrWriteInFlight) {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) fire(key string) {
	_ = s.writeKey(s.ctx, key, true)
}

// writeKey writes the current draft for key. A timer-driven call first claims
// the fired debounce entry under s.mu; until then the key still counts as
// pending for Refresh and Close.
func (s *Syncer) writeKey(ctx context.Context, key string, fired bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if fired && !s.debouncer.Claim(key) {
		s.mu.Unlock()
		return nil
	}
	ks := s.keyLocked(key)
	if ks.inFlight {
		ks.rerun = true
		s.mu.Unlock()
		return ErrWriteInFlight
	}
	s.debouncer.Cancel(key)
	ks.retrying = false
	draft := s.cache.Get(key)
	base := ""
	if s.detectConflicts {
		base = ks.baseVersion
	}
	if s.table.Validator != nil {
		if err := s.table.Validator.Validate(key, draft); err != nil {
			s.failLocked(key, ks, FailureInvalid, err, "")
			s.mu.Unlock()
			return err
		}
	}
	ks.inFlight = true
	attempt := ks.attempts + 1
	pending := PendingWrite{
		Table:       s.table.Name,
		Key:         key,
		Fields:      draft.Clone(),
		BaseVersion: ks.baseVersion,
		Attempts:    ks.attempts,
		QueuedAt:    s.clock.Now(),
	}
	s.emitLocked(Event{Type: EventWriteStarted, Key: key, Attempt: attempt})
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.saveOutbox(pending)
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	rec, err := s.store.Update(writeCtx, s.table, key, draft, base)
	cancel()

	s.mu.Lock()
	ks = s.keyLocked(key)
	ks.inFlight = false
	if err == nil {
		s.succeedLocked(key, ks, rec)
		s.mu.Unlock()
		s.deleteOutbox(key)
		s.invalidate()
		return nil
	}

	kind, terminal := classifyWriteError(err)
	superseded := ks.rerun || s.debouncer.Pending(key)
	if ks.rerun {
		ks.rerun = false
		if !s.closed {
			s.debouncer.Schedule(key, 0, s.fire)
		}
	}
	dropOutbox := false
	switch {
	case s.closed:
		s.logger.Warn(s.ctx, "write interrupted by shutdown", "key", key, "error", err)
	case superseded:
		s.logger.Warn(s.ctx, "write failed, newer draft pending", "key", key, "error", err)
		s.emitLocked(Event{Type: EventWriteFailed, Key: key, Attempt: attempt, Kind: kind, Error: err.Error()})
	case terminal:
		current := ""
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			current = conflict.CurrentVersion
		}
		s.failLocked(key, ks, kind, err, current)
		dropOutbox = kind != FailureConflict
	default:
		ks.attempts++
		if ks.attempts >= s.retry.MaxAttempts {
			s.failLocked(key, ks, FailureExhausted, err, "")
			break
		}
		delay := s.retry.Delay(ks.attempts)
		ks.retrying = true
		s.debouncer.Schedule(key, delay, s.fire)
		s.logger.Warn(s.ctx, "write failed, retrying", "key", key, "attempt", attempt, "delay", delay.String(), "error", err)
		s.emitLocked(Event{Type: EventWriteRetrying, Key: key, Attempt: attempt, Error: err.Error()})
	}
	s.mu.Unlock()
	if dropOutbox {
		s.deleteOutbox(key)
	}
	return err
}

func (s *Syncer) succeedLocked(key string, ks *keyState, rec Record) {
	if rec.Key == "" {
		rec.Key = key
	}
	rec = s.table.normalize(rec)
	ks.attempts = 0
	ks.failure = nil
	s.epoch++
	ks.lastWriteEpoch = s.epoch
	s.cache.SetRemote(rec)
	ks.baseVersion = rec.Version
	switch {
	case s.debouncer.Pending(key):
	case ks.rerun:
		ks.rerun = false
		s.debouncer.Schedule(key, 0, s.fire)
	default:
		s.cache.Reset(key)
	}
	s.logger.Debug(s.ctx, "write succeeded", "key", key, "version", rec.Version)
	s.emitLocked(Event{Type: EventWriteSucceeded, Key: key})
}

func (s *Syncer) failLocked(key string, ks *keyState, kind FailureKind, err error, currentVersion string) {
	ks.retrying = false
	ks.failure = &Failure{
		Kind:           kind,
		Message:        err.Error(),
		At:             s.clock.Now(),
		CurrentVersion: currentVersion,
	}
	s.logger.Error(s.ctx, "write failed", "key", key, "kind", string(kind), "attempts", ks.attempts, "error", err)
	s.emitLocked(Event{Type: EventWriteFailed, Key: key, Kind: kind, Attempt: ks.attempts, Error: err.Error()})
}

// Refresh lists the table and reseeds the cache. Keys with pending work keep
// their drafts. Stats view failures are returned after the records have been
// applied.
func (s *Syncer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	startEpoch := s.epoch
	s.mu.Unlock()

	records, err := s.store.List(ctx, s.table)
	if err != nil {
		s.mu.Lock()
		s.lastRefreshErr = err
		s.emitLocked(Event{Type: EventRefreshFailed, Error: err.Error()})
		s.mu.Unlock()
		return fmt.Errorf("list %s: %w", s.table.Name, err)
	}
	var stats []Record
	var statsErr error
	if s.table.StatsView != "" {
		stats, statsErr = s.store.ListStats(ctx, s.table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := func(key string) bool {
		return s.pendingLocked(key, startEpoch)
	}
	normalized := make([]Record, 0, len(records))
	for _, rec := range records {
		normalized = append(normalized, s.table.normalize(rec))
	}
	s.cache.Seed(normalized, pending)
	for _, rec := range normalized {
		if ks, ok := s.keys[rec.Key]; ok && !pending(rec.Key) {
			ks.baseVersion = rec.Version
		}
	}
	for key := range s.keys {
		if pending(key) {
			continue
		}
		if _, ok := s.cache.Remote(key); !ok {
			delete(s.keys, key)
		}
	}
	if statsErr == nil && s.table.StatsView != "" {
		next := make(map[string]Fields, len(stats))
		for _, rec := range stats {
			next[rec.Key] = rec.ReadOnly.Clone()
		}
		s.stats = next
	}
	s.lastRefreshAt = s.clock.Now()
	s.lastRefreshErr = statsErr
	if statsErr != nil {
		s.emitLocked(Event{Type: EventRefreshFailed, Error: statsErr.Error()})
		return fmt.Errorf("list stats %s: %w", s.table.StatsView, statsErr)
	}
	s.emitLocked(Event{Type: EventRefreshed})
	return nil
}

func (s *Syncer) pendingLocked(key string, startEpoch uint64) bool {
	if s.debouncer.Pending(key) {
		return true
	}
	ks, ok := s.keys[key]
	if !ok {
		return false
	}
	return ks.inFlight || ks.retrying || ks.failure != nil || ks.lastWriteEpoch > startEpoch
}

// Run refreshes on a jittered interval and after every successful write until
// ctx is done or the syncer is closed.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, jitter float64) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	rng := rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	due := make(chan struct{}, 1)
	schedule := func() clock.Timer {
		return s.clock.AfterFunc(JitteredInterval(interval, jitter, rng.Float64()), func() {
			select {
			case due <- struct{}{}:
			default:
			}
		})
	}
	s.refreshOnce(ctx)
	timer := schedule()
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		case <-s.invalidated:
			s.refreshOnce(ctx)
		case <-due:
			s.refreshOnce(ctx)
			timer = schedule()
		}
	}
}

func (s *Syncer) refreshOnce(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()
	if err := s.Refresh(refreshCtx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		s.logger.Warn(ctx, "refresh failed", "error", err)
	}
}

func (s *Syncer) invalidate() {
	select {
	case s.invalidated <- struct{}{}:
	default:
	}
}

// Restore reloads pending writes from the outbox and schedules them. Call it
// before the first Refresh so restored drafts are protected from reseeding.
func (s *Syncer) Restore(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	writes, err := s.outbox.Load(ctx, s.table.Name)
	if err != nil {
		return 0, fmt.Errorf("load outbox for %s: %w", s.table.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	restored := 0
	for _, write := range writes {
		key := strings.TrimSpace(write.Key)
		if key == "" {
			continue
		}
		clean := s.table.Sanitize(key, write.Fields)
		if len(clean) == 0 {
			continue
		}
		ks := s.keyLocked(key)
		s.cache.Patch(key, clean)
		if write.BaseVersion != "" {
			ks.baseVersion = write.BaseVersion
		}
		s.debouncer.Schedule(key, s.delay, s.fire)
		s.emitLocked(Event{Type: EventPatched, Key: key})
		restored++
	}
	if restored > 0 {
		s.logger.Info(ctx, "restored pending writes", "count", restored)
	}
	return restored, nil
}

// Close stops all timers, persists drafts whose timers had not fired to the
// outbox and waits for in-flight writes.
func (s *Syncer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		var pending []PendingWrite
		for _, key := range s.debouncer.Stop() {
			write := PendingWrite{
				Table:    s.table.Name,
				Key:      key,
				Fields:   s.cache.Get(key),
				QueuedAt: s.clock.Now(),
			}
			if ks, ok := s.keys[key]; ok {
				write.BaseVersion = ks.baseVersion
				write.Attempts = ks.attempts
			}
			pending = append(pending, write)
		}
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
		for _, write := range pending {
			s.saveOutbox(write)
		}
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// View returns the draft, remote state, stats and status for key.
func (s *Syncer) View(key string) (RecordView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hasRemote := s.cache.Remote(key)
	_, hasState := s.keys[key]
	if !hasRemote && !hasState && !s.cache.HasDraft(key) {
		return RecordView{}, false
	}
	return s.viewLocked(key), true
}

func (s *Syncer) Status(key string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(key)
}

func (s *Syncer) Snapshot() TableSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := TableSnapshot{
		Table:   s.table.Name,
		Records: []RecordView{},
	}
	for _, key := range s.cache.Keys() {
		snap.Records = append(snap.Records, s.viewLocked(key))
	}
	if !s.lastRefreshAt.IsZero() {
		at := s.lastRefreshAt
		snap.LastRefreshAt = &at
	}
	if s.lastRefreshErr != nil {
		snap.LastRefreshError = s.lastRefreshErr.Error()
		snap.Stale = true
	}
	return snap
}

func (s *Syncer) viewLocked(key string) RecordView {
	view := RecordView{
		Key:    key,
		Draft:  s.cache.Get(key),
		Dirty:  s.cache.Dirty(key),
		Status: s.statusLocked(key),
	}
	if rec, ok := s.cache.Remote(key); ok {
		view.Version = rec.Version
		view.Remote = rec.Fields
		if len(rec.ReadOnly) > 0 {
			view.ReadOnly = rec.ReadOnly
		}
	}
	if stats, ok := s.stats[key]; ok {
		view.Stats = stats.Clone()
	}
	return view
}

func (s *Syncer) statusLocked(key string) Status {
	status := Status{State: s.keyStateLocked(key)}
	ks, ok := s.keys[key]
	if !ok {
		return status
	}
	status.Attempts = ks.attempts
	status.BaseVersion = ks.baseVersion
	if ks.failure != nil {
		failure := *ks.failure
		status.Failure = &failure
	}
	if ks.retrying {
		if deadline, ok := s.debouncer.Deadline(key); ok {
			status.NextAttemptAt = &deadline
		}
	}
	return status
}

func (s *Syncer) keyStateLocked(key string) KeyState {
	ks, ok := s.keys[key]
	switch {
	case ok && ks.inFlight:
		return StateFlushing
	case ok && ks.failure != nil:
		return StateFailed
	case s.debouncer.Pending(key):
		if ok && ks.retrying {
			return StateRetrying
		}
		return StateEditing
	default:
		return StateClean
	}
}

func (s *Syncer) keyLocked(key string) *keyState {
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		if rec, ok := s.cache.Remote(key); ok {
			ks.baseVersion = rec.Version
		}
		s.keys[key] = ks
	}
	return ks
}

func (s *Syncer) saveOutbox(write PendingWrite) {
	if s.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.outbox.Save(ctx, write); err != nil {
		s.logger.Warn(ctx, "outbox save failed", "key", write.Key, "error", err)
	}
}

func (s *Syncer) deleteOutbox(key string) {
	if s.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.outbox.Delete(ctx, s.table.Name, key); err != nil {
		s.logger.Warn(ctx, "outbox delete failed", "key", key, "error", err)
	}
}
