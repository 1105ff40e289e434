package draftsync

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Fields holds column values of one record keyed by column name.
type Fields map[string]any

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Names returns the field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return map[string]any(Fields(typed).Clone())
	case Fields:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []int:
		return append([]int(nil), typed...)
	case []string:
		return append([]string(nil), typed...)
	case []float64:
		return append([]float64(nil), typed...)
	default:
		return v
	}
}

func fieldsEqual(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Record is one remote row split into the user-editable part and the part the
// store computes.
type Record struct {
	Key      string `json:"key"`
	Version  string `json:"version,omitempty"`
	Fields   Fields `json:"fields"`
	ReadOnly Fields `json:"readOnly,omitempty"`
}

func (r Record) Clone() Record {
	return Record{
		Key:      r.Key,
		Version:  r.Version,
		Fields:   r.Fields.Clone(),
		ReadOnly: r.ReadOnly.Clone(),
	}
}

// Coercer turns loosely typed input into valid-shaped values. It must not fail;
// unparseable values become the field's fallback.
type Coercer func(key string, patch Fields) Fields

type Validator interface {
	Validate(key string, draft Fields) error
}

type Table struct {
	Name         string
	KeyField     string
	VersionField string
	// Editable lists the user-editable columns. Empty means every column except
	// the key and version columns.
	Editable []string
	Defaults Fields
	// StatsView names a read-only relation keyed by the same key, refreshed
	// alongside the table.
	StatsView     string
	StatsKeyField string
	// Upsert lets a write create the row when the key does not exist yet.
	Upsert    bool
	Coerce    Coercer
	Validator Validator
}

func (t Table) IsEditable(field string) bool {
	if field == "" || field == t.KeyField || (t.VersionField != "" && field == t.VersionField) {
		return false
	}
	if len(t.Editable) == 0 {
		return true
	}
	for _, name := range t.Editable {
		if name == field {
			return true
		}
	}
	return false
}

// Sanitize drops read-only and unknown fields from patch and applies the
// table's coercer.
func (t Table) Sanitize(key string, patch Fields) Fields {
	out := Fields{}
	for field, value := range patch {
		if t.IsEditable(field) {
			out[field] = cloneValue(value)
		}
	}
	if t.Coerce != nil && len(out) > 0 {
		out = t.Coerce(key, out)
	}
	return out
}

func (t Table) StatsKey() string {
	if t.StatsKeyField != "" {
		return t.StatsKeyField
	}
	return t.KeyField
}

// SplitRow converts a raw row into a Record. The key and version columns are
// lifted out, editable columns go to Fields and everything else to ReadOnly.
func (t Table) SplitRow(row map[string]any) (Record, error) {
	return splitRow(row, t.KeyField, t.VersionField, t.IsEditable)
}

// SplitStatsRow converts a stats view row into a Record whose values are all
// read-only.
func (t Table) SplitStatsRow(row map[string]any) (Record, error) {
	return splitRow(row, t.StatsKey(), "", func(string) bool { return false })
}

// Row builds the column map written for key with the given fields.
func (t Table) Row(key string, fields Fields) map[string]any {
	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}
	row[t.KeyField] = key
	return row
}

func (t Table) normalize(rec Record) Record {
	rec.Fields = t.Sanitize(rec.Key, rec.Fields)
	return rec
}

func splitRow(row map[string]any, keyField, versionField string, editable func(string) bool) (Record, error) {
	rawKey, ok := row[keyField]
	if !ok || rawKey == nil {
		return Record{}, fmt.Errorf("%w: row missing key column %s", ErrInvalidInput, keyField)
	}
	rec := Record{
		Key:      stringify(rawKey),
		Fields:   Fields{},
		ReadOnly: Fields{},
	}
	if rec.Key == "" {
		return Record{}, fmt.Errorf("%w: row has empty key column %s", ErrInvalidInput, keyField)
	}
	for column, value := range row {
		switch {
		case column == keyField:
		case versionField != "" && column == versionField:
			if value != nil {
				rec.Version = stringify(value)
			}
		case editable(column):
			rec.Fields[column] = value
		default:
			rec.ReadOnly[column] = value
		}
	}
	return rec, nil
}

func stringify(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// RemoteStore is the source of truth for confirmed record state.
type RemoteStore interface {
	List(ctx context.Context, table Table) ([]Record, error)
	// ListStats returns the table's stats view, or nothing when it has none.
	ListStats(ctx context.Context, table Table) ([]Record, error)
	// Update applies fields to the row for key, all or nothing. A non-empty
	// baseVersion that no longer matches the stored version fails with a
	// ConflictError.
	Update(ctx context.Context, table Table, key string, fields Fields, baseVersion string) (Record, error)
}

// PendingWrite is the durable form of a write that has not been confirmed.
type PendingWrite struct {
	Table       string    `json:"table"`
	Key         string    `json:"key"`
	Fields      Fields    `json:"fields"`
	BaseVersion string    `json:"baseVersion,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	QueuedAt    time.Time `json:"queuedAt"`
}

// Outbox persists pending writes so user intent survives a restart.
type Outbox interface {
	Save(ctx context.Context, write PendingWrite) error
	Delete(ctx context.Context, table, key string) error
	Load(ctx context.Context, table string) ([]PendingWrite, error)
	Close() error
}
