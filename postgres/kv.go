// Package postgres provides a kv.Store over a single kv_entries table, for
// environments whose user store lives in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate/kv"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ kv.Store = (*KVStore)(nil)

// KVStore is a kv.Store backed by PostgreSQL.
type KVStore struct {
	dsn  string
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewKVStore returns a store for dsn. Call Open before use.
func NewKVStore(log *zap.Logger, dsn string) *KVStore {
	return &KVStore{
		dsn: dsn,
		log: log,
	}
}

// Migrate brings the kv_entries schema up to date.
func (s *KVStore) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, s.dsn)
	if err != nil {
		return kv.Unavailable("postgres.Migrate", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Open connects the pool and checks the server is reachable.
func (s *KVStore) Open(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return kv.Unavailable("postgres.Open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return kv.Unavailable("postgres.Open", err)
	}
	s.pool = pool

	s.log.Info("Resources opened", zap.String("host", pool.Config().ConnConfig.Host))
	return nil
}

// Close closes the pool.
func (s *KVStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Get retrieves the value at the provided key.
func (s *KVStore) Get(ctx context.Context, bucket, key []byte) ([]byte, error) {
	var val []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE bucket = $1 AND key = $2`,
		string(bucket), key,
	).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.NotFound("postgres.Get", bucket, key)
	}
	if err != nil {
		return nil, classify("postgres.Get", err)
	}
	return val, nil
}

// PutIfAbsent inserts the value unless key already exists.
func (s *KVStore) PutIfAbsent(ctx context.Context, bucket, key, value []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (bucket, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, key) DO NOTHING`,
		string(bucket), key, value,
	)
	if err != nil {
		return classify("postgres.PutIfAbsent", err)
	}
	if tag.RowsAffected() == 0 {
		return kv.AlreadyExists("postgres.PutIfAbsent", bucket, key)
	}
	return nil
}

// Put sets the value at the provided key.
func (s *KVStore) Put(ctx context.Context, bucket, key, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (bucket, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		string(bucket), key, value,
	)
	if err != nil {
		return classify("postgres.Put", err)
	}
	return nil
}

// Delete removes the provided key.
func (s *KVStore) Delete(ctx context.Context, bucket, key []byte) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE bucket = $1 AND key = $2`,
		string(bucket), key,
	)
	if err != nil {
		return classify("postgres.Delete", err)
	}
	if tag.RowsAffected() == 0 {
		return kv.NotFound("postgres.Delete", bucket, key)
	}
	return nil
}

// ScanPage returns up to limit pairs after cursor. One extra row is read to
// tell whether the scan has reached the end.
func (s *KVStore) ScanPage(ctx context.Context, bucket, cursor []byte, limit int) ([]kv.Pair, []byte, error) {
	if limit <= 0 {
		return nil, nil, nil
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT key, value FROM kv_entries WHERE bucket = $1 ORDER BY key LIMIT $2`,
			string(bucket), limit+1)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT key, value FROM kv_entries WHERE bucket = $1 AND key > $2 ORDER BY key LIMIT $3`,
			string(bucket), cursor, limit+1)
	}
	if err != nil {
		return nil, nil, classify("postgres.ScanPage", err)
	}

	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kv.Pair, error) {
		var p kv.Pair
		err := row.Scan(&p.Key, &p.Value)
		return p, err
	})
	if err != nil {
		return nil, nil, classify("postgres.ScanPage", err)
	}

	if len(pairs) <= limit {
		return pairs, nil, nil
	}
	pairs = pairs[:limit]
	return pairs, pairs[limit-1].Key, nil
}

// throttleCodes are SQLSTATEs the server uses to shed load or abort a
// transaction that may succeed when retried.
var throttleCodes = map[string]bool{
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P03": true, // cannot_connect_now
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if throttleCodes[pgErr.Code] {
			return kv.Throttled(op, err)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return kv.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.SafeToRetry(err) {
		return kv.Throttled(op, err)
	}
	return kv.Unavailable(op, err)
}
