// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cleanup

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ Cleaner = (*LogCleaner)(nil)

// LogCleaner is a Cleaner that only logs what it would do. It fails
// randomly at the given rate, which makes it useful for load tests.
type LogCleaner struct {
	logger      *zap.Logger
	failureRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLogCleaner creates a LogCleaner. A failureRate of 0.1 lets every
// tenth call fail.
func NewLogCleaner(logger *zap.Logger, failureRate float64, seed int64) *LogCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogCleaner{
		logger:      logger,
		failureRate: failureRate,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (c *LogCleaner) fail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Float64() < c.failureRate
}

func (c *LogCleaner) DeleteVolumeBits(_ context.Context, bits VolumeBits) error {
	if c.fail() {
		return errors.Errorf("cleanup: primary storage %s unreachable", bits.PrimaryStorage)
	}
	c.logger.Info("deleted volume bits",
		zap.String("primaryStorage", bits.PrimaryStorage),
		zap.String("installPath", bits.InstallPath))
	return nil
}

func (c *LogCleaner) ScanOrphanVolumes(_ context.Context, target string) (int, error) {
	if c.fail() {
		return 0, errors.Errorf("cleanup: cannot scan %s", target)
	}
	c.logger.Info("scanned orphan volumes", zap.String("target", target))
	return 0, nil
}

func (c *LogCleaner) ReleaseHost(_ context.Context, host string) error {
	if c.fail() {
		return errors.Errorf("cleanup: host %s does not respond", host)
	}
	c.logger.Info("released host resources", zap.String("host", host))
	return nil
}
