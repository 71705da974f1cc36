// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package dbutil contains helpers shared by the SQL stores.
package dbutil

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// NewBackOff returns the backoff used by the stores to retry deadlocks
// and busy databases. It gives up after a few seconds.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Run runs fn. It recovers from panics in fn and returns them as error.
func Run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = errors.Errorf("%v", rerr)
		}
	}()
	return fn(ctx)
}

// RunWithRetry is like Run, but repeats fn with exponential backoff as
// long as retryable reports true for its error. A nil retryable retries
// every error.
func RunWithRetry(ctx context.Context, fn func(context.Context) error, retryable func(error) bool, b backoff.BackOff) error {
	return retry(ctx, func() error { return Run(ctx, fn) }, retryable, b)
}

// RunInTx runs fn in a database transaction.
//
// There are a few rules that fn must respect:
//
// 1. fn must use the passed tx reference for all database calls.
// 2. fn must not commit or rollback the transaction: RunInTx will do that.
//
// If fn returns nil, RunInTx commits the transaction. Otherwise, or if
// fn panics, the transaction is rolled back and the error is returned.
func RunInTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = errors.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunInTxWithRetry is like RunInTx but will retry several times with
// exponential backoff. In that case, fn must also be idempotent, i.e.
// it may be called several times without side effects.
func RunInTxWithRetry(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool, b backoff.BackOff) error {
	return retry(ctx, func() error { return RunInTx(ctx, db, fn) }, retryable, b)
}

func retry(ctx context.Context, op func() error, retryable func(error) bool, b backoff.BackOff) error {
	b = backoff.WithContext(b, ctx)
	b.Reset()
	for {
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
}
