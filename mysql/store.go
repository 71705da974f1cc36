// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/internal/dbutil"
)

var mysqlSchema = []string{
	// live_name equals name while the job is not Done, and NULL afterwards.
	// Its unique index allows at most one pending job per name.
	`CREATE TABLE IF NOT EXISTS gc_jobs (
id varchar(36) primary key,
name varchar(255) not null,
live_name varchar(255) null,
strategy varchar(30) not null,
runner varchar(255) not null,
context mediumblob,
status varchar(30) not null,
owner varchar(255) not null,
created bigint not null,
updated bigint not null,
unique index ux_gc_jobs_live_name (live_name),
index ix_gc_jobs_status (status),
index ix_gc_jobs_owner (owner));`,
	`CREATE TABLE IF NOT EXISTS gc_nodes (
node varchar(255) primary key,
last_seen bigint not null);`,
}

var columns = []string{"id", "name", "strategy", "runner", "context", "status", "owner", "created", "updated"}

var (
	_ gcjob.Store      = (*Store)(nil)
	_ gcjob.Membership = (*Store)(nil)
)

// Store represents a persistent MySQL storage implementation.
// It implements the gcjob.Store and gcjob.Membership interfaces.
type Store struct {
	db         *sql.DB
	sb         sq.StatementBuilderType
	newBackOff func() backoff.BackOff
	maxConns   int
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetBackOff specifies the backoff for retrying deadlocks.
func SetBackOff(fn func() backoff.BackOff) StoreOption {
	return func(s *Store) {
		s.newBackOff = fn
	}
}

// SetMaxOpenConns limits the number of connections to the database.
func SetMaxOpenConns(n int) StoreOption {
	return func(s *Store) {
		s.maxConns = n
	}
}

// NewStore initializes a new MySQL-based storage. The database given in
// url is created if it does not exist.
func NewStore(ctx context.Context, url string, options ...StoreOption) (*Store, error) {
	st := &Store{
		sb:         sq.StatementBuilder.PlaceholderFormat(sq.Question),
		newBackOff: dbutil.NewBackOff,
	}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, errors.Wrapf(err, "mysql: create database %s", dbname)
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	if st.maxConns > 0 {
		st.db.SetMaxOpenConns(st.maxConns)
	}

	// Create schema
	for _, stmt := range mysqlSchema {
		if _, err := st.db.ExecContext(ctx, stmt); err != nil {
			st.db.Close()
			return nil, errors.Wrap(err, "mysql: create schema")
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
		// Map sql.ErrNoRows to the gcjob-specific "not found" error
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
	var live interface{}
	if rec.Status != gcjob.Done {
		live = rec.Name
	}
	query, args, err := s.sb.Insert("gc_jobs").
		Columns(append(columns, "live_name")...).
		Values(rec.ID, rec.Name, string(rec.Strategy), rec.Runner, []byte(rec.Context),
			string(rec.Status), rec.Owner, rec.Created, rec.Updated, live).
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
		ub := s.sb.Update("gc_jobs").Set("status", string(status))
		if status == gcjob.Done {
			ub = ub.Set("live_name", nil)
		}
		return s.exec(ctx, tx, ub, id)
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
		ub := s.sb.Update("gc_jobs").
			Set("owner", to).
			Set("status", string(gcjob.Idle))
		return s.exec(ctx, tx, ub, id)
	})
	return s.wrapError(err)
}

// current reads status and owner of a record and locks its row until
// the transaction ends.
func (s *Store) current(ctx context.Context, tx *sql.Tx, id string) (gcjob.Status, string, error) {
	query, args, err := s.sb.Select("status", "owner").
		From("gc_jobs").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return "", "", err
	}
	var status, owner string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&status, &owner); err != nil {
		return "", "", err
	}
	return gcjob.Status(status), owner, nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, ub sq.UpdateBuilder, id string) error {
	query, args, err := ub.Set("updated", time.Now().UnixNano()).Where(sq.Eq{"id": id}).ToSql()
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
	err = dbutil.RunWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}, dbutil.IsDeadlock, s.newBackOff())
	return s.wrapError(err)
}

// Lookup retrieves a single record in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*gcjob.Record, error) {
	query, args, err := s.sb.Select(columns...).From("gc_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var row Record
	if err := row.scan(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, s.wrapError(err)
	}
	return row.ToRecord(), nil
}

// ListNonDone returns all records that are not Done, optionally
// filtered by name.
func (s *Store) ListNonDone(ctx context.Context, name string) ([]*gcjob.Record, error) {
	qb := s.sb.Select(columns...).From("gc_jobs").
		Where(sq.NotEq{"status": string(gcjob.Done)}).
		OrderBy("created")
	if name != "" {
		qb = qb.Where(sq.Eq{"live_name": name})
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
		var row Record
		if err := row.scan(rows); err != nil {
			return nil, err
		}
		list = append(list, row.ToRecord())
	}
	return list, rows.Err()
}

// Stats returns statistics about the records in the store.
func (s *Store) Stats(ctx context.Context) (*gcjob.Stats, error) {
	stats := new(gcjob.Stats)
	count := func(status gcjob.Status, n *int) error {
		query, args, err := s.sb.Select("COUNT(*)").From("gc_jobs").
			Where(sq.Eq{"status": string(status)}).
			ToSql()
		if err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, query, args...).Scan(n)
	}
	if err := count(gcjob.Idle, &stats.Idle); err != nil {
		return nil, s.wrapError(err)
	}
	if err := count(gcjob.Done, &stats.Done); err != nil {
		return nil, s.wrapError(err)
	}
	return stats, nil
}

// Heartbeat records that node is alive.
func (s *Store) Heartbeat(ctx context.Context, node string, at time.Time) error {
	query, args, err := s.sb.Insert("gc_nodes").
		Columns("node", "last_seen").
		Values(node, at.UnixNano()).
		Suffix("ON DUPLICATE KEY UPDATE last_seen = VALUES(last_seen)").
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

// -- MySQL-internal representation of a record --

// Record is a row of the gc_jobs table.
type Record struct {
	ID       string
	Name     string
	Strategy string
	Runner   string
	Context  []byte
	Status   string
	Owner    string
	Created  int64
	Updated  int64
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *Record) scan(row scanner) error {
	return row.Scan(&r.ID, &r.Name, &r.Strategy, &r.Runner, &r.Context,
		&r.Status, &r.Owner, &r.Created, &r.Updated)
}

// ToRecord converts the row to a gcjob.Record.
func (r *Record) ToRecord() *gcjob.Record {
	rec := &gcjob.Record{
		ID:       r.ID,
		Name:     r.Name,
		Strategy: gcjob.Strategy(r.Strategy),
		Runner:   r.Runner,
		Status:   gcjob.Status(r.Status),
		Owner:    r.Owner,
		Created:  r.Created,
		Updated:  r.Updated,
	}
	if len(r.Context) > 0 {
		rec.Context = append([]byte(nil), r.Context...)
	}
	return rec
}
