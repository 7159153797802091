// Package postgres is the shared event_map store for multi-instance
// deployments, backed by a pgx connection pool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by goose

	"coursecal/internal/model"
	"coursecal/internal/store/migrations"
)

const table = "event_map"

var columns = []string{"namespace", "identity_key", "remote_id", "fingerprint", "last_synced_at"}

// PoolConfig mirrors the store section of the application config.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Querier is implemented by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed event_map.
type Store struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// Open migrates the database and returns a store on a fresh pool.
func Open(ctx context.Context, cfg PoolConfig) (*Store, error) {
	if err := migrate(ctx, cfg.DSN); err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// NewPool parses the DSN, applies pool settings and pings the database.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return migrations.Up(ctx, db, "postgres")
}

func (s *Store) Get(ctx context.Context, namespace, key string) (model.Record, error) {
	return s.get(ctx, s.pool, namespace, key, false)
}

func (s *Store) get(ctx context.Context, q Querier, namespace, key string, forUpdate bool) (model.Record, error) {
	b := s.sb.Select(columns...).From(table).
		Where(sq.Eq{"namespace": namespace, "identity_key": key})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return model.Record{}, fmt.Errorf("build select: %w", err)
	}

	var rec model.Record
	err = q.QueryRow(ctx, query, args...).
		Scan(&rec.Namespace, &rec.Key, &rec.RemoteID, &rec.Fingerprint, &rec.LastSyncedAt)
	if err != nil {
		return model.Record{}, mapError(err, namespace, key)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, namespace string) ([]model.Record, error) {
	query, args, err := s.sb.Select(columns...).From(table).
		Where(sq.Eq{"namespace": namespace}).
		OrderBy("identity_key ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, namespace, "*")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Record, error) {
		var rec model.Record
		err := row.Scan(&rec.Namespace, &rec.Key, &rec.RemoteID, &rec.Fingerprint, &rec.LastSyncedAt)
		return rec, err
	})
	if err != nil {
		return nil, mapError(err, namespace, "*")
	}
	if out == nil {
		out = []model.Record{}
	}
	return out, nil
}

// Update runs fn in a transaction holding an advisory lock on the key, so
// concurrent updates of an absent key are serialized too.
func (s *Store) Update(ctx context.Context, namespace, key string, fn func(cur *model.Record) (*model.Record, error)) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", namespace+"|"+key); err != nil {
		return mapError(err, namespace, key)
	}

	var cur *model.Record
	rec, err := s.get(ctx, tx, namespace, key, true)
	switch {
	case err == nil:
		cur = &rec
	case errors.Is(err, model.ErrNotFound):
	default:
		return err
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	if next == nil {
		err = s.delete(ctx, tx, namespace, key)
	} else {
		err = s.upsert(ctx, tx, namespace, key, *next)
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, rec model.Record) error {
	return s.upsert(ctx, s.pool, rec.Namespace, rec.Key, rec)
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	return s.delete(ctx, s.pool, namespace, key)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) upsert(ctx context.Context, q Querier, namespace, key string, rec model.Record) error {
	query, args, err := s.sb.Insert(table).Columns(columns...).
		Values(namespace, key, rec.RemoteID, rec.Fingerprint, rec.LastSyncedAt.UTC()).
		Suffix("ON CONFLICT (namespace, identity_key) DO UPDATE SET " +
			"remote_id = EXCLUDED.remote_id, fingerprint = EXCLUDED.fingerprint, last_synced_at = EXCLUDED.last_synced_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return mapError(err, namespace, key)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, q Querier, namespace, key string) error {
	query, args, err := s.sb.Delete(table).
		Where(sq.Eq{"namespace": namespace, "identity_key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return mapError(err, namespace, key)
	}
	return nil
}

// mapError converts pgx/pgconn errors to model errors.
// context.DeadlineExceeded and context.Canceled pass through.
func mapError(err error, namespace, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("event_map %s/%s: %w", namespace, key, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("event_map %s/%s: %w", namespace, key, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("event_map %s/%s: %w", namespace, key, model.ErrConflict)
	}
	return fmt.Errorf("event_map %s/%s: %w", namespace, key, err)
}
