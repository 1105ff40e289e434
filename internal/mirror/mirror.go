// Package mirror keeps a directory of JSON files in step with the drafts of
// one or more tables, so records can be edited with any text editor.
package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/logging"
)

const fileExt = ".json"

// Target is the part of a draftsync.Syncer the mirror drives.
type Target interface {
	Table() draftsync.Table
	Snapshot() draftsync.TableSnapshot
	Patch(key string, patch draftsync.Fields) draftsync.Fields
	Subscribe(buffer int) (<-chan draftsync.Event, func())
}

type Options struct {
	Logger logging.Logger
}

type Mirror struct {
	root    string
	targets map[string]Target
	logger  logging.Logger

	mu sync.Mutex
	// tracked maps a file path to the hash of the content last written or
	// applied, so our own writes are not read back as edits.
	tracked map[string]string
}

func New(root string, targets []Target, opts Options) (*Mirror, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: mirror root is required", draftsync.ErrInvalidInput)
	}
	byName := make(map[string]Target, len(targets))
	for _, target := range targets {
		if target == nil {
			continue
		}
		byName[target.Table().Name] = target
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("%w: mirror needs at least one table", draftsync.ErrInvalidInput)
	}
	for name := range byName {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			return nil, err
		}
	}
	return &Mirror{
		root:    root,
		targets: byName,
		logger:  logging.OrNop(opts.Logger),
		tracked: map[string]string{},
	}, nil
}

func (m *Mirror) Root() string {
	return m.root
}

// PathFor returns the file that mirrors key of table.
func (m *Mirror) PathFor(table, key string) string {
	return filepath.Join(m.root, table, url.PathEscape(key)+fileExt)
}

// Export writes every table's drafts to disk.
func (m *Mirror) Export() error {
	var errs []error
	for _, name := range m.tableNames() {
		if err := m.ExportTable(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExportTable rewrites the files of one table from its current drafts. Files
// edited locally since the last export are left alone until they have been
// applied. Files of records that no longer exist are removed unless edited.
func (m *Mirror) ExportTable(table string) error {
	target, ok := m.targets[table]
	if !ok {
		return fmt.Errorf("%w: table %s is not mirrored", draftsync.ErrNotFound, table)
	}
	snapshot := target.Snapshot()
	seen := map[string]struct{}{}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range snapshot.Records {
		path := m.PathFor(table, rec.Key)
		seen[path] = struct{}{}
		data, err := encodeDraft(rec.Draft)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", table, rec.Key, err)
		}
		hash := hashBytes(data)
		current, readErr := os.ReadFile(path)
		if readErr == nil {
			currentHash := hashBytes(current)
			if currentHash == hash {
				m.tracked[path] = hash
				continue
			}
			if tracked, ok := m.tracked[path]; ok && tracked != currentHash {
				m.logger.Debug(context.Background(), "mirror file has local edits, not overwriting", "path", path)
				continue
			}
		}
		if err := writeFileAtomic(path, data, 0o644); err != nil {
			return err
		}
		m.tracked[path] = hash
	}
	entries, err := os.ReadDir(filepath.Join(m.root, table))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRecordFile(entry.Name()) {
			continue
		}
		path := filepath.Join(m.root, table, entry.Name())
		if _, ok := seen[path]; ok {
			continue
		}
		tracked, ok := m.tracked[path]
		if !ok {
			continue
		}
		current, err := os.ReadFile(path)
		if err == nil && hashBytes(current) == tracked {
			_ = os.Remove(path)
		}
		delete(m.tracked, path)
	}
	return nil
}

// Apply reads one mirror file and patches its table with the fields that
// differ from the current draft. It reports whether a patch was made.
func (m *Mirror) Apply(path string) (bool, error) {
	table, key, err := m.locate(path)
	if err != nil {
		return false, err
	}
	target, ok := m.targets[table]
	if !ok {
		return false, fmt.Errorf("%w: table %s is not mirrored", draftsync.ErrNotFound, table)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	hash := hashBytes(data)
	m.mu.Lock()
	if m.tracked[path] == hash {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	var fields draftsync.Fields
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return false, fmt.Errorf("%w: %s: %v", draftsync.ErrInvalidInput, path, err)
	}
	normalizeNumbers(fields)
	patch := target.Table().Sanitize(key, fields)
	current := target.Snapshot()
	draft := draftFor(current, key)
	for name, value := range patch {
		if existing, ok := draft[name]; ok && reflect.DeepEqual(existing, value) {
			delete(patch, name)
		}
	}

	m.mu.Lock()
	m.tracked[path] = hash
	m.mu.Unlock()
	if len(patch) == 0 {
		return false, nil
	}
	target.Patch(key, patch)
	m.logger.Info(context.Background(), "mirror edit applied", "table", table, "key", key, "fields", strings.Join(patch.Names(), ","))
	return true, nil
}

// Scan applies every mirror file whose content changed since it was last
// written or applied.
func (m *Mirror) Scan() error {
	var errs []error
	for _, table := range m.tableNames() {
		entries, err := os.ReadDir(filepath.Join(m.root, table))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !isRecordFile(entry.Name()) {
				continue
			}
			if _, err := m.Apply(filepath.Join(m.root, table, entry.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Run exports every table, then follows syncer events and file changes until
// ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, table := range m.tableNames() {
		if err := watcher.Add(filepath.Join(m.root, table)); err != nil {
			return err
		}
	}
	if err := m.Export(); err != nil {
		m.logger.Warn(ctx, "mirror export failed", "error", err)
	}

	exports := make(chan string, len(m.targets)*4)
	var wg sync.WaitGroup
	for name, target := range m.targets {
		events, unsubscribe := target.Subscribe(64)
		wg.Add(1)
		go func(name string, events <-chan draftsync.Event, unsubscribe func()) {
			defer wg.Done()
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if !rewritesFiles(ev.Type) {
						continue
					}
					select {
					case exports <- name:
					default:
					}
				}
			}
		}(name, events, unsubscribe)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	m.logger.Info(ctx, "mirror watching", "root", m.root)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case table := <-exports:
			if err := m.ExportTable(table); err != nil {
				m.logger.Warn(ctx, "mirror export failed", "table", table, "error", err)
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRecordFile(filepath.Base(event.Name)) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := m.Apply(event.Name); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn(ctx, "mirror edit rejected", "path", event.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn(ctx, "mirror watcher error", "error", err)
		}
	}
}

func (m *Mirror) tableNames() []string {
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mirror) locate(path string) (string, string, error) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return "", "", err
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	if len(parts) != 2 || parts[0] == ".." || !isRecordFile(parts[1]) {
		return "", "", fmt.Errorf("%w: %s is not a mirror record file", draftsync.ErrInvalidInput, path)
	}
	key, err := url.PathUnescape(strings.TrimSuffix(parts[1], fileExt))
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", draftsync.ErrInvalidInput, path, err)
	}
	return parts[0], key, nil
}

func rewritesFiles(t draftsync.EventType) bool {
	switch t {
	case draftsync.EventRefreshed, draftsync.EventWriteSucceeded, draftsync.EventDiscarded:
		return true
	default:
		return false
	}
}

func draftFor(snapshot draftsync.TableSnapshot, key string) draftsync.Fields {
	for _, rec := range snapshot.Records {
		if rec.Key == key {
			return rec.Draft
		}
	}
	return draftsync.Fields{}
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, ".")
}

func encodeDraft(draft draftsync.Fields) ([]byte, error) {
	if draft == nil {
		draft = draftsync.Fields{}
	}
	data, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// normalizeNumbers turns json.Number values into int when integral, else
// float64, matching what the table coercers expect.
func normalizeNumbers(fields draftsync.Fields) {
	for name, value := range fields {
		fields[name] = normalizeNumber(value)
	}
}

func normalizeNumber(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		for i := range v {
			v[i] = normalizeNumber(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = normalizeNumber(v[k])
		}
		return v
	default:
		return value
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
