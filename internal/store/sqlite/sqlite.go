// Package sqlite is the embedded event_map store used by the CLI. It runs
// on modernc.org/sqlite, so no cgo is needed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"coursecal/internal/model"
	"coursecal/internal/store/migrations"
)

const table = "event_map"

var columns = []string{"namespace", "identity_key", "remote_id", "fingerprint", "last_synced_at"}

// Store is a SQLite-backed event_map.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has a single writer; one connection also serializes Update.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	if err := migrations.Up(ctx, db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Get(ctx context.Context, namespace, key string) (model.Record, error) {
	return s.get(ctx, s.db, namespace, key)
}

func (s *Store) get(ctx context.Context, q queryer, namespace, key string) (model.Record, error) {
	query, args, err := s.sb.Select(columns...).From(table).
		Where(sq.Eq{"namespace": namespace, "identity_key": key}).
		ToSql()
	if err != nil {
		return model.Record{}, fmt.Errorf("build select: %w", err)
	}

	rec, err := scanRecord(q.QueryRowContext(ctx, query, args...))
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, namespace, "*")
	}
	defer rows.Close()

	out := make([]model.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapError(err, namespace, "*")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, namespace, "*")
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, namespace, key string, fn func(cur *model.Record) (*model.Record, error)) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cur *model.Record
	rec, err := s.get(ctx, tx, namespace, key)
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
		if err = s.delete(ctx, tx, namespace, key); err != nil {
			return err
		}
	} else {
		if err = s.upsert(ctx, tx, namespace, key, *next); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, rec model.Record) error {
	return s.upsert(ctx, s.db, rec.Namespace, rec.Key, rec)
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	return s.delete(ctx, s.db, namespace, key)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) upsert(ctx context.Context, q queryer, namespace, key string, rec model.Record) error {
	query, args, err := s.sb.Insert(table).Columns(columns...).
		Values(namespace, key, rec.RemoteID, rec.Fingerprint, rec.LastSyncedAt.UTC().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT (namespace, identity_key) DO UPDATE SET " +
			"remote_id = excluded.remote_id, fingerprint = excluded.fingerprint, last_synced_at = excluded.last_synced_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return mapError(err, namespace, key)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, q queryer, namespace, key string) error {
	query, args, err := s.sb.Delete(table).
		Where(sq.Eq{"namespace": namespace, "identity_key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return mapError(err, namespace, key)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		rec    model.Record
		synced string
	)
	if err := row.Scan(&rec.Namespace, &rec.Key, &rec.RemoteID, &rec.Fingerprint, &synced); err != nil {
		return model.Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, synced)
	if err != nil {
		return model.Record{}, fmt.Errorf("parse last_synced_at: %w", err)
	}
	rec.LastSyncedAt = t
	return rec, nil
}

// mapError converts database/sql errors to model errors. Context errors pass through.
func mapError(err error, namespace, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("event_map %s/%s: %w", namespace, key, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("event_map %s/%s: %w", namespace, key, model.ErrNotFound)
	}
	return fmt.Errorf("event_map %s/%s: %w", namespace, key, err)
}
