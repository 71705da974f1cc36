// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package namelock serializes job saves by name across nodes with a
// lock in Redis.
package namelock

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/olivere/gcjob"
)

var _ gcjob.NameLocker = (*Locker)(nil)

// Locker implements gcjob.NameLocker on top of Redis.
type Locker struct {
	client *redislock.Client
	logger *zap.Logger
	prefix string
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// Option configures a Locker.
type Option func(*Locker)

// SetPrefix sets the prefix of the Redis keys. The default is "gcjob:name:".
func SetPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// SetTTL sets how long a lock is held at most. The default is 10s.
func SetTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// SetLogger sets the logger.
func SetLogger(logger *zap.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New creates a Locker that uses client.
func New(client redis.UniversalClient, options ...Option) *Locker {
	l := &Locker{
		client: redislock.New(client),
		logger: zap.NewNop(),
		prefix: "gcjob:name:",
		ttl:    10 * time.Second,
	}
	for _, o := range options {
		o(l)
	}
	l.retry = redislock.LimitRetry(redislock.ExponentialBackoff(10*time.Millisecond, 500*time.Millisecond), 50)
	return l
}

// Lock blocks until it holds the lock for name or ctx is done.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, errors.Wrapf(err, "namelock: %s", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "namelock: obtain")
	}
	release := func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("cannot release name lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, nil
}
