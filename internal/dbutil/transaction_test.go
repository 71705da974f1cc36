// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dbutil_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/olivere/gcjob/internal/dbutil"
)

const createJobsTableSQL = `CREATE TABLE jobs (id INTEGER PRIMARY KEY, name TEXT NOT NULL, status TEXT NOT NULL)`

const createLiveNameIndexSQL = `CREATE UNIQUE INDEX jobs_live_name ON jobs (name) WHERE status <> 'Done'`

func connect(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every connection to :memory: opens a database of its own.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{createJobsTableSQL, createLiveNameIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func insertTwo(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (name, status) VALUES (?, ?)`, "scan-vol-1", "Idle"); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs (name, status) VALUES (?, ?)`, "scan-vol-2", "Idle")
	return err
}

func TestRunInTx(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		db := connect(t)
		if err := dbutil.RunInTx(context.Background(), db, insertTwo); err != nil {
			t.Fatal(err)
		}
		if want, have := 2, count(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})
	t.Run("ErrorInFn", func(t *testing.T) {
		db := connect(t)
		err := dbutil.RunInTx(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
			if err := insertTwo(ctx, tx); err != nil {
				return err
			}
			return errors.New("kaboom")
		})
		if err == nil || err.Error() != "kaboom" {
			t.Fatalf("expected error %q, got %v", "kaboom", err)
		}
		if want, have := 0, count(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})
	t.Run("PanicInFn", func(t *testing.T) {
		db := connect(t)
		err := dbutil.RunInTx(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
			if err := insertTwo(ctx, tx); err != nil {
				return err
			}
			panic("kaboom")
		})
		if err == nil || err.Error() != "kaboom" {
			t.Fatalf("expected error %q, got %v", "kaboom", err)
		}
		if want, have := 0, count(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})
}

func TestRunInTxWithRetry(t *testing.T) {
	t.Run("DeadlockRetry", func(t *testing.T) {
		db := connect(t)
		var deadlocks int
		err := dbutil.RunInTxWithRetry(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
			if err := insertTwo(ctx, tx); err != nil {
				return err
			}
			deadlocks++
			if deadlocks < 3 {
				return &mysql.MySQLError{
					Number:  1213,
					Message: fmt.Sprintf("Deadlock found when trying to get lock; try restarting transaction (#%d)", deadlocks),
				}
			}
			return nil
		}, dbutil.IsDeadlock, newBackoff())
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 3, deadlocks; want != have {
			t.Fatalf("expected %d attempts, got %d", want, have)
		}
		if want, have := 2, count(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})
	t.Run("Retryable", func(t *testing.T) {
		db := connect(t)
		var retries int
		errDoNotRetry := errors.New("no retry")
		err := dbutil.RunInTxWithRetry(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
			retries++
			if retries == 3 {
				return errDoNotRetry
			}
			return errors.New("retry")
		}, func(err error) bool {
			return err != errDoNotRetry
		}, newBackoff())
		if err != errDoNotRetry {
			t.Fatalf("expected errDoNotRetry, got %v", err)
		}
		if want, have := 3, retries; want != have {
			t.Fatalf("expected %d retries, got %d", want, have)
		}
	})
	t.Run("ContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		err := dbutil.RunWithRetry(ctx, func(context.Context) error {
			calls++
			cancel()
			return errors.New("retry")
		}, nil, newBackoff())
		if err == nil {
			t.Fatal("expected an error")
		}
		if want, have := 1, calls; want != have {
			t.Fatalf("expected %d calls, got %d", want, have)
		}
	})
}

func TestIsDup(t *testing.T) {
	db := connect(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `INSERT INTO jobs (name, status) VALUES ('scan', 'Idle')`); err != nil {
		t.Fatal(err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO jobs (name, status) VALUES ('scan', 'Idle')`)
	if !dbutil.IsDup(err) {
		t.Fatalf("IsDup(%v) = false, want true", err)
	}
	if dbutil.IsDeadlock(err) {
		t.Fatalf("IsDeadlock(%v) = true, want false", err)
	}

	// Done records do not count.
	if _, err := db.ExecContext(ctx, `UPDATE jobs SET status = 'Done' WHERE name = 'scan'`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO jobs (name, status) VALUES ('scan', 'Idle')`); err != nil {
		t.Fatalf("expected insert after Done to succeed, got %v", err)
	}

	if !dbutil.IsDup(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatal("expected MySQL error 1062 to be a duplicate")
	}
	if dbutil.IsDup(errors.New("other")) {
		t.Fatal("expected other errors not to be duplicates")
	}
}

func TestIsNotFound(t *testing.T) {
	db := connect(t)
	var name string
	err := db.QueryRow(`SELECT name FROM jobs WHERE id = 42`).Scan(&name)
	if !dbutil.IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false, want true", err)
	}
}
