// Package postgres provides a PostgreSQL implementation of
// transport.StreamLedger. It uses pgx/v5 for connection pooling and keeps
// one row per finished stream.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// Ledger is a PostgreSQL-backed StreamLedger.
type Ledger struct {
	pool *pgxpool.Pool
}

// Ensure Ledger implements transport.StreamLedger at compile time.
var _ transport.StreamLedger = (*Ledger)(nil)

// New creates a new PostgreSQL ledger with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	l := &Ledger{pool: pool}

	if cfg.MigrateOnStart {
		if err := l.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return l, nil
}

const recordColumns = `id, subject, provider, model, framing, state, turns,
	increments, bytes, error, started_at, first_increment_at, duration_ns`

// SaveStream inserts one record. A duplicate ID returns storage.ErrConflict.
func (l *Ledger) SaveStream(ctx context.Context, rec *api.StreamRecord) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO stream_records (tenant_id, `+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		storage.GetTenant(ctx),
		rec.ID, rec.Subject, rec.Provider, rec.Model, string(rec.Framing), string(rec.State), rec.Turns,
		rec.Increments, rec.Bytes, nullString(rec.Error), rec.StartedAt, rec.FirstIncrementAt, rec.Duration.Nanoseconds(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting stream record: %w", err)
	}
	return nil
}

// GetStream retrieves a record by ID, scoped by tenant when one is present
// in the context.
func (l *Ledger) GetStream(ctx context.Context, id string) (*api.StreamRecord, error) {
	query := "SELECT " + recordColumns + " FROM stream_records WHERE id = $1"
	args := []any{id}
	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}

	rec, err := scanRecord(l.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying stream record: %w", err)
	}
	return rec, nil
}

// ListStreams returns a page of records using keyset pagination on
// (started_at, id).
func (l *Ledger) ListStreams(ctx context.Context, opts transport.ListOptions) (*api.StreamList, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		where = append(where, "tenant_id = "+arg(tenantID))
	}
	if opts.State != "" {
		where = append(where, "state = "+arg(string(opts.State)))
	}

	asc := opts.Order == "asc"
	if opts.After != "" {
		cursor, err := l.GetStream(ctx, opts.After)
		if errors.Is(err, storage.ErrNotFound) {
			return &api.StreamList{Object: "list", Data: []*api.StreamRecord{}}, nil
		}
		if err != nil {
			return nil, err
		}
		cmp := "<"
		if asc {
			cmp = ">"
		}
		where = append(where, fmt.Sprintf("(started_at, id) %s (%s, %s)", cmp, arg(cursor.StartedAt), arg(cursor.ID)))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := "SELECT " + recordColumns + " FROM stream_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if asc {
		query += " ORDER BY started_at ASC, id ASC"
	} else {
		query += " ORDER BY started_at DESC, id DESC"
	}
	query += " LIMIT " + arg(limit+1)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stream records: %w", err)
	}
	defer rows.Close()

	data := []*api.StreamRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stream record: %w", err)
		}
		data = append(data, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing stream records: %w", err)
	}

	result := &api.StreamList{Object: "list"}
	if len(data) > limit {
		data = data[:limit]
		result.HasMore = true
	}
	result.Data = data
	if len(data) > 0 {
		result.FirstID = data[0].ID
		result.LastID = data[len(data)-1].ID
	}
	return result, nil
}

// HealthCheck verifies the database connection.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*api.StreamRecord, error) {
	var (
		rec        api.StreamRecord
		framing    string
		state      string
		errMsg     *string
		firstAt    *time.Time
		durationNS int64
	)
	err := row.Scan(
		&rec.ID, &rec.Subject, &rec.Provider, &rec.Model, &framing, &state, &rec.Turns,
		&rec.Increments, &rec.Bytes, &errMsg, &rec.StartedAt, &firstAt, &durationNS,
	)
	if err != nil {
		return nil, err
	}
	rec.Framing = api.FramingMode(framing)
	rec.State = api.StreamState(state)
	if errMsg != nil {
		rec.Error = *errMsg
	}
	rec.FirstIncrementAt = firstAt
	rec.Duration = time.Duration(durationNS)
	return &rec, nil
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
