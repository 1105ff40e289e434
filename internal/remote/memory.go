package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// RPCHandler serves one stored procedure for a MemoryStore.
type RPCHandler func(ctx context.Context, args map[string]any) (any, error)

type RPCCall struct {
	Fn   string
	Args map[string]any
}

type memoryRow struct {
	columns map[string]any
	version string
}

// MemoryStore keeps tables in process. Versions are a store-wide revision
// counter, so every write produces a version no other row has had.
type MemoryStore struct {
	mu       sync.Mutex
	revision int64
	tables   map[string]map[string]*memoryRow
	views    map[string][]map[string]any
	handlers map[string]RPCHandler
	calls    []RPCCall
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   map[string]map[string]*memoryRow{},
		views:    map[string][]map[string]any{},
		handlers: map[string]RPCHandler{},
	}
}

// PutRow inserts or replaces a row, bumping its version.
func (m *MemoryStore) PutRow(table, keyField string, row map[string]any) error {
	rawKey, ok := row[keyField]
	if !ok || rawKey == nil {
		return fmt.Errorf("%w: row missing key column %s", draftsync.ErrInvalidInput, keyField)
	}
	key := fmt.Sprint(rawKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rowsLocked(table)
	m.revision++
	rows[key] = &memoryRow{columns: cloneColumns(row), version: strconv.FormatInt(m.revision, 10)}
	return nil
}

// SetView replaces the rows a read-only view returns.
func (m *MemoryStore) SetView(view string, rows []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		copied = append(copied, cloneColumns(row))
	}
	m.views[view] = copied
}

// DeleteRow removes a row, as if another client deleted it.
func (m *MemoryStore) DeleteRow(table, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rowsLocked(table), key)
}

func (m *MemoryStore) HandleRPC(fn string, handler RPCHandler) {
	fn = strings.TrimSpace(fn)
	if fn == "" || handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[fn] = handler
}

func (m *MemoryStore) Calls() []RPCCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RPCCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MemoryStore) List(ctx context.Context, table draftsync.Table) ([]draftsync.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table.Name]
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]draftsync.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := m.recordLocked(table, rows[key])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) ListStats(ctx context.Context, table draftsync.Table) ([]draftsync.Record, error) {
	if table.StatsView == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]draftsync.Record, 0, len(m.views[table.StatsView]))
	for _, row := range m.views[table.StatsView] {
		rec, err := table.SplitStatsRow(cloneColumns(row))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, table draftsync.Table, key string, fields draftsync.Fields, baseVersion string) (draftsync.Record, error) {
	if err := ctx.Err(); err != nil {
		return draftsync.Record{}, err
	}
	for _, name := range fields.Names() {
		if !table.IsEditable(name) {
			return draftsync.Record{}, fmt.Errorf("%w: column %s is not editable", draftsync.ErrRejected, name)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rowsLocked(table.Name)
	row, ok := rows[key]
	if !ok {
		if !table.Upsert {
			return draftsync.Record{}, fmt.Errorf("%w: %s/%s", draftsync.ErrNotFound, table.Name, key)
		}
		row = &memoryRow{columns: map[string]any{table.KeyField: key}}
		for name, value := range table.Defaults {
			row.columns[name] = value
		}
		rows[key] = row
	} else if baseVersion != "" && baseVersion != row.version {
		return draftsync.Record{}, &draftsync.ConflictError{
			Table:           table.Name,
			Key:             key,
			ExpectedVersion: baseVersion,
			CurrentVersion:  row.version,
		}
	}
	for name, value := range fields {
		row.columns[name] = value
	}
	m.revision++
	row.version = strconv.FormatInt(m.revision, 10)
	return m.recordLocked(table, row)
}

func (m *MemoryStore) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, RPCCall{Fn: fn, Args: cloneColumns(args)})
	handler, ok := m.handlers[fn]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: rpc %s", draftsync.ErrNotFound, fn)
	}
	result, err := handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) rowsLocked(table string) map[string]*memoryRow {
	rows, ok := m.tables[table]
	if !ok {
		rows = map[string]*memoryRow{}
		m.tables[table] = rows
	}
	return rows
}

func (m *MemoryStore) recordLocked(table draftsync.Table, row *memoryRow) (draftsync.Record, error) {
	rec, err := table.SplitRow(cloneColumns(row.columns))
	if err != nil {
		return draftsync.Record{}, err
	}
	rec.Version = row.version
	return rec, nil
}

func cloneColumns(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	return map[string]any(draftsync.Fields(row).Clone())
}
