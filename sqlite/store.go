// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite implements a gcjob.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/internal/dbutil"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gc_jobs (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
strategy TEXT NOT NULL,
runner TEXT NOT NULL,
context BLOB,
status TEXT NOT NULL,
owner TEXT NOT NULL,
created INTEGER NOT NULL,
updated INTEGER NOT NULL)`,
	// At most one record per name that is not Done.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_gc_jobs_live_name ON gc_jobs (name) WHERE status <> 'Done'`,
	`CREATE INDEX IF NOT EXISTS ix_gc_jobs_status ON gc_jobs (status)`,
	`CREATE TABLE IF NOT EXISTS gc_nodes (
node TEXT PRIMARY KEY,
last_seen INTEGER NOT NULL)`,
}

var columns = []string{"id", "name", "strategy", "runner", "context", "status", "owner", "created", "updated"}

var (
	_ gcjob.Store      = (*Store)(nil)
	_ gcjob.Membership = (*Store)(nil)
)

// Store represents a persistent SQLite storage implementation.
// It implements the gcjob.Store and gcjob.Membership interfaces.
type Store struct {
	db         *sql.DB
	sb         sq.StatementBuilderType
	newBackOff func() backoff.BackOff
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetBackOff specifies the backoff for retrying busy databases.
func SetBackOff(fn func() backoff.BackOff) StoreOption {
	return func(s *Store) {
		s.newBackOff = fn
	}
}

// NewStore opens the SQLite database at dsn and creates the schema.
// Use ":memory:" for a database that lives as long as the store.
func NewStore(ctx context.Context, dsn string, options ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	st, err := NewStoreWithDB(ctx, db, options...)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !isMemory(dsn) {
		var mode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "sqlite: enable WAL mode")
		}
		var timeout int
		if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&timeout); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "sqlite: set busy timeout")
		}
	}
	return st, nil
}

// NewStoreWithDB creates the schema in db and returns a store using it.
func NewStoreWithDB(ctx context.Context, db *sql.DB, options ...StoreOption) (*Store, error) {
	// A single connection serializes writers, and keeps a :memory:
	// database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{
		db:         db,
		sb:         sq.StatementBuilder.PlaceholderFormat(sq.Question),
		newBackOff: dbutil.NewBackOff,
	}
	for _, opt := range options {
		opt(st)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "sqlite: create schema")
		}
	}
	return st, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case dbutil.IsNotFound(err):
		return gcjob.ErrNotFound
	case dbutil.IsDup(err):
		return gcjob.ErrDuplicateName
	}
	return err
}

func (s *Store) runInTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return dbutil.RunInTxWithRetry(ctx, s.db, fn, dbutil.IsDeadlock, s.newBackOff())
}

// Insert adds a new record to the store.
func (s *Store) Insert(ctx context.Context, rec *gcjob.Record) error {
	query, args, err := s.sb.Insert("gc_jobs").
		Columns(columns...).
		Values(rec.ID, rec.Name, string(rec.Strategy), rec.Runner, []byte(rec.Context),
			string(rec.Status), rec.Owner, rec.Created, rec.Updated).
		ToSql()
	if err != nil {
		return err
	}
	err = dbutil.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}, dbutil.IsDeadlock, s.newBackOff())
	return s.wrapError(err)
}

// UpdateStatus sets the status of a record.
func (s *Store) UpdateStatus(ctx context.Context, id string, status gcjob.Status) error {
	err := s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, _, err := s.current(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == gcjob.Done {
			if status == gcjob.Done {
				return nil
			}
			return gcjob.ErrAlreadyDone
		}
		return s.update(ctx, tx, id, sq.Eq{"status": string(status)})
	})
	return s.wrapError(err)
}

// ClaimOwner moves a record from one node to another.
func (s *Store) ClaimOwner(ctx context.Context, id, from, to string) error {
	err := s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		status, owner, err := s.current(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == gcjob.Done {
			return gcjob.ErrAlreadyDone
		}
		if owner != from {
			return gcjob.ErrOwnerChanged
		}
		return s.update(ctx, tx, id, sq.Eq{"owner": to, "status": string(gcjob.Idle)})
	})
	return s.wrapError(err)
}

func (s *Store) current(ctx context.Context, tx *sql.Tx, id string) (gcjob.Status, string, error) {
	query, args, err := s.sb.Select("status", "owner").From("gc_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", "", err
	}
	var status, owner string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&status, &owner); err != nil {
		return "", "", err
	}
	return gcjob.Status(status), owner, nil
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, id string, set sq.Eq) error {
	ub := s.sb.Update("gc_jobs").Set("updated", time.Now().UnixNano()).Where(sq.Eq{"id": id})
	for col, v := range set {
		ub = ub.Set(col, v)
	}
	query, args, err := ub.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// Delete removes a record from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete("gc_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return s.wrapError(err)
}

// Lookup retrieves a single record by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*gcjob.Record, error) {
	query, args, err := s.sb.Select(columns...).From("gc_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return rec, nil
}

// ListNonDone returns all records that are not Done, optionally
// filtered by name.
func (s *Store) ListNonDone(ctx context.Context, name string) ([]*gcjob.Record, error) {
	qb := s.sb.Select(columns...).From("gc_jobs").
		Where(sq.NotEq{"status": string(gcjob.Done)}).
		OrderBy("created")
	if name != "" {
		qb = qb.Where(sq.Eq{"name": name})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	var list []*gcjob.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// Stats returns statistics about the records in the store.
func (s *Store) Stats(ctx context.Context) (*gcjob.Stats, error) {
	query, args, err := s.sb.Select("status", "COUNT(*)").From("gc_jobs").GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	stats := new(gcjob.Stats)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch gcjob.Status(status) {
		case gcjob.Idle:
			stats.Idle = n
		case gcjob.Done:
			stats.Done = n
		default:
			return nil, errors.Errorf("sqlite: found unknown status %q", status)
		}
	}
	return stats, rows.Err()
}

// Heartbeat records that node is alive.
func (s *Store) Heartbeat(ctx context.Context, node string, at time.Time) error {
	query, args, err := s.sb.Insert("gc_nodes").
		Columns("node", "last_seen").
		Values(node, at.UnixNano()).
		Suffix("ON CONFLICT (node) DO UPDATE SET last_seen = excluded.last_seen").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return s.wrapError(err)
}

// LastSeen returns the time of the last heartbeat of node.
func (s *Store) LastSeen(ctx context.Context, node string) (time.Time, error) {
	query, args, err := s.sb.Select("last_seen").From("gc_nodes").Where(sq.Eq{"node": node}).ToSql()
	if err != nil {
		return time.Time{}, err
	}
	var ns int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ns); err != nil {
		return time.Time{}, s.wrapError(err)
	}
	return time.Unix(0, ns), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*gcjob.Record, error) {
	var (
		rec              gcjob.Record
		strategy, status string
		snapshot         []byte
	)
	err := row.Scan(&rec.ID, &rec.Name, &strategy, &rec.Runner, &snapshot,
		&status, &rec.Owner, &rec.Created, &rec.Updated)
	if err != nil {
		return nil, err
	}
	rec.Strategy = gcjob.Strategy(strategy)
	rec.Status = gcjob.Status(status)
	if len(snapshot) > 0 {
		rec.Context = append([]byte(nil), snapshot...)
	}
	return &rec, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
