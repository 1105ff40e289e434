package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

const (
	postgresOutboxTableName  = "outreachdesk_outbox"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores one row per (table, key), so saving a newer draft for the
// same record replaces the older one.
type Postgres struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, draftsync.ErrInvalidInput
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresOutboxTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *Postgres) Save(ctx context.Context, write draftsync.PendingWrite) error {
	if err := validateWrite(write); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(write)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, record_key, payload, queued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, record_key)
		DO UPDATE SET payload = EXCLUDED.payload, queued_at = EXCLUDED.queued_at`, postgresQuoteIdentifier(p.tableName))
	_, err = p.db.ExecContext(ctx, query, write.Table, write.Key, string(payload), write.QueuedAt.UTC())
	return err
}

func (p *Postgres) Delete(ctx context.Context, table, key string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE table_name = $1 AND record_key = $2", postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, table, key)
	return err
}

func (p *Postgres) Load(ctx context.Context, table string) ([]draftsync.PendingWrite, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT payload FROM %s WHERE table_name = $1 ORDER BY queued_at ASC, record_key ASC", postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]draftsync.PendingWrite, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var write draftsync.PendingWrite
		if err := json.Unmarshal([]byte(payload), &write); err != nil || write.Key == "" {
			continue
		}
		out = append(out, write)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
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

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				table_name TEXT NOT NULL,
				record_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (table_name, record_key)
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
