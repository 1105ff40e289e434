package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

const postgresOperationTimeout = 10 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore reads and writes outreach tables directly. Rows travel as JSON
// (row_to_json) so one code path serves every table shape.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, draftsync.ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (p *PostgresStore) List(ctx context.Context, table draftsync.Table) ([]draftsync.Record, error) {
	rows, err := p.selectRows(ctx, table.Name, table.KeyField)
	if err != nil {
		return nil, err
	}
	out := make([]draftsync.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := table.SplitRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *PostgresStore) ListStats(ctx context.Context, table draftsync.Table) ([]draftsync.Record, error) {
	if table.StatsView == "" {
		return nil, nil
	}
	rows, err := p.selectRows(ctx, table.StatsView, table.StatsKey())
	if err != nil {
		return nil, err
	}
	out := make([]draftsync.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := table.SplitStatsRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *PostgresStore) Update(ctx context.Context, table draftsync.Table, key string, fields draftsync.Fields, baseVersion string) (draftsync.Record, error) {
	if err := p.ensureReady(); err != nil {
		return draftsync.Record{}, err
	}
	names := fields.Names()
	if len(names) == 0 {
		return draftsync.Record{}, fmt.Errorf("%w: no fields to write for %s/%s", draftsync.ErrInvalidInput, table.Name, key)
	}
	for _, name := range names {
		if !table.IsEditable(name) {
			return draftsync.Record{}, fmt.Errorf("%w: column %s is not editable", draftsync.ErrRejected, name)
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return draftsync.Record{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query, args := buildUpdateQuery(table, key, fields, baseVersion)
	var payload string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&payload)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		payload, err = p.resolveMiss(ctx, tx, table, key, fields, baseVersion)
		if err != nil {
			return draftsync.Record{}, err
		}
	default:
		return draftsync.Record{}, classifyPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return draftsync.Record{}, classifyPostgresError(err)
	}
	committed = true
	return decodeRecord(table, payload)
}

func (p *PostgresStore) resolveMiss(ctx context.Context, tx *sql.Tx, table draftsync.Table, key string, fields draftsync.Fields, baseVersion string) (string, error) {
	probe := fmt.Sprintf("SELECT %s FROM %s AS t WHERE t.%s = $1",
		versionExpr(table), postgresQuoteIdentifier(table.Name), postgresQuoteIdentifier(table.KeyField))
	var current sql.NullString
	err := tx.QueryRowContext(ctx, probe, key).Scan(&current)
	if err == nil {
		return "", &draftsync.ConflictError{
			Table:           table.Name,
			Key:             key,
			ExpectedVersion: baseVersion,
			CurrentVersion:  current.String,
		}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", classifyPostgresError(err)
	}
	if !table.Upsert {
		return "", fmt.Errorf("%w: %s/%s", draftsync.ErrNotFound, table.Name, key)
	}
	query, args := buildUpsertQuery(table, key, fields)
	var payload string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		return "", classifyPostgresError(err)
	}
	return payload, nil
}

// Call runs SELECT fn(name => $1, ...) and returns the result as JSON. Void
// functions yield null.
func (p *PostgresStore) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return nil, draftsync.ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	params := make([]string, 0, len(names))
	values := make([]any, 0, len(names))
	for i, name := range names {
		params = append(params, fmt.Sprintf("%s => $%d", postgresQuoteIdentifier(name), i+1))
		values = append(values, bindValue(args[name]))
	}
	query := fmt.Sprintf("SELECT %s(%s)::text", postgresQuoteIdentifier(fn), strings.Join(params, ", "))
	var result sql.NullString
	if err := p.db.QueryRowContext(ctx, query, values...).Scan(&result); err != nil {
		return nil, classifyPostgresError(err)
	}
	if !result.Valid || result.String == "" {
		return json.RawMessage("null"), nil
	}
	if json.Valid([]byte(result.String)) {
		return json.RawMessage(result.String), nil
	}
	return json.Marshal(result.String)
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return draftsync.ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresStore) selectRows(ctx context.Context, relation, orderBy string) ([]map[string]any, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT row_to_json(t)::text FROM %s AS t", postgresQuoteIdentifier(relation))
	if orderBy != "" {
		query += " ORDER BY t." + postgresQuoteIdentifier(orderBy)
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", relation, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func buildUpdateQuery(table draftsync.Table, key string, fields draftsync.Fields, baseVersion string) (string, []any) {
	names := fields.Names()
	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		args = append(args, bindValue(fields[name]))
		sets = append(sets, fmt.Sprintf("%s = $%d", postgresQuoteIdentifier(name), len(args)))
	}
	if table.VersionField != "" {
		sets = append(sets, postgresQuoteIdentifier(table.VersionField)+" = NOW()")
	}
	args = append(args, key)
	where := fmt.Sprintf("t.%s = $%d", postgresQuoteIdentifier(table.KeyField), len(args))
	if baseVersion != "" && table.VersionField != "" {
		args = append(args, baseVersion)
		where += fmt.Sprintf(" AND %s = $%d", versionExpr(table), len(args))
	}
	query := fmt.Sprintf("UPDATE %s AS t SET %s WHERE %s RETURNING row_to_json(t)::text",
		postgresQuoteIdentifier(table.Name), strings.Join(sets, ", "), where)
	return query, args
}

func buildUpsertQuery(table draftsync.Table, key string, fields draftsync.Fields) (string, []any) {
	row := table.Row(key, fields)
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	columns := make([]string, 0, len(names))
	placeholders := make([]string, 0, len(names))
	updates := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		args = append(args, bindValue(row[name]))
		quoted := postgresQuoteIdentifier(name)
		columns = append(columns, quoted)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		if name != table.KeyField {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
		}
	}
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) ON CONFLICT (%s) %s RETURNING row_to_json(t)::text",
		postgresQuoteIdentifier(table.Name),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		postgresQuoteIdentifier(table.KeyField),
		conflict)
	return query, args
}

// versionExpr renders the version column the same way row_to_json does, so a
// version read from a row compares equal to the stored value.
func versionExpr(table draftsync.Table) string {
	if table.VersionField == "" {
		return "NULL::text"
	}
	return fmt.Sprintf("to_json(t.%s)#>>'{}'", postgresQuoteIdentifier(table.VersionField))
}

func decodeRecord(table draftsync.Table, payload string) (draftsync.Record, error) {
	var row map[string]any
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return draftsync.Record{}, fmt.Errorf("decode %s row: %w", table.Name, err)
	}
	return table.SplitRow(row)
}

func bindValue(v any) any {
	switch typed := v.(type) {
	case []int, []int64, []float64, []string, []bool:
		return pq.Array(typed)
	case []any:
		return pq.Array(typed)
	case map[string]any:
		data, err := json.Marshal(typed)
		if err != nil {
			return nil
		}
		return string(data)
	default:
		return v
	}
}

// classifyPostgresError marks data and constraint violations as rejected so
// the syncer stops retrying them.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Class() {
	case "22", "23":
		return fmt.Errorf("%w: %s", draftsync.ErrRejected, pqErr.Message)
	case "42":
		if pqErr.Code == "42P01" || pqErr.Code == "42883" {
			return fmt.Errorf("%w: %s", draftsync.ErrNotFound, pqErr.Message)
		}
		return fmt.Errorf("%w: %s", draftsync.ErrRejected, pqErr.Message)
	default:
		return err
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
