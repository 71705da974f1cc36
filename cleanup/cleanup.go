// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package cleanup contains garbage collection jobs for storage and hosts.
//
// Every job reaches the platform through a Cleaner. Register the kinds
// with a manager before it is started, then create jobs with the New
// functions and pass them to Submit.
package cleanup

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/olivere/gcjob"
)

// Kind names.
const (
	DeleteVolumeBitsKind = "delete-volume-bits"
	OrphanVolumeScanKind = "orphan-volume-scan"
	HostReconnectKind    = "host-reconnect"
)

// TopicHostConnected is published when a host reconnects to the
// management node. The host identity is in the "host" metadata.
const TopicHostConnected = "host.connected"

// ErrGone is returned by a Cleaner when the resource to clean up does
// not exist anymore. The job then cancels itself.
var ErrGone = errors.New("cleanup: resource gone")

// Cleaner performs the platform calls of the cleanup jobs.
type Cleaner interface {
	// DeleteVolumeBits deletes the bits of a volume on primary storage.
	DeleteVolumeBits(ctx context.Context, bits VolumeBits) error
	// ScanOrphanVolumes deletes orphan volumes on target and returns the
	// number of orphans that are left.
	ScanOrphanVolumes(ctx context.Context, target string) (int, error)
	// ReleaseHost releases the resources that were left on a host while
	// it was disconnected.
	ReleaseHost(ctx context.Context, host string) error
}

// Config holds the timing of the cleanup kinds.
type Config struct {
	// DeleteDelay is the time after which volume bits are deleted.
	DeleteDelay time.Duration
	// ScanInterval is the time between two scans for orphan volumes.
	ScanInterval time.Duration
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		DeleteDelay:  5 * time.Minute,
		ScanInterval: time.Hour,
	}
}

// Register registers the cleanup kinds with m.
func Register(m *gcjob.Manager, c Cleaner, cfg Config) error {
	kinds := []gcjob.Kind{
		{
			Name:     DeleteVolumeBitsKind,
			Strategy: gcjob.TimeBased,
			Delay:    cfg.DeleteDelay,
			Restore: gcjob.RestoreJSON(func(j *DeleteVolumeBits) gcjob.Runner {
				j.cleaner = c
				return j
			}),
		},
		{
			Name:     OrphanVolumeScanKind,
			Strategy: gcjob.CycleBased,
			Interval: cfg.ScanInterval,
			Restore: gcjob.RestoreJSON(func(j *OrphanVolumeScan) gcjob.Runner {
				j.cleaner = c
				return j
			}),
		},
		{
			Name:     HostReconnectKind,
			Strategy: gcjob.EventBased,
			Topics:   []string{TopicHostConnected},
			Restore: gcjob.RestoreJSON(func(j *HostReconnect) gcjob.Runner {
				j.cleaner = c
				return j
			}),
		},
	}
	for _, k := range kinds {
		if err := m.RegisterKind(k); err != nil {
			return err
		}
	}
	return nil
}

// Job is implemented by all cleanup jobs.
type Job interface {
	gcjob.Runner
	// Kind returns the kind name of the job.
	Kind() string
	// Name returns the name that identifies duplicates of the job.
	Name() string
}

// Submit saves and registers j with m. It returns the job, or nil if
// a job with the same name is pending already.
func Submit(ctx context.Context, m *gcjob.Manager, j Job) (*gcjob.Job, error) {
	job, err := m.NewJob(j.Kind(), j, gcjob.WithName(j.Name()))
	if err != nil {
		return nil, err
	}
	ok, err := m.Submit(ctx, job)
	if err != nil || !ok {
		return nil, err
	}
	return job, nil
}

// report maps the error of a cleaner to the outcome of a trigger.
func report(c gcjob.Completion, err error) {
	switch {
	case err == nil:
		c.Success()
	case errors.Is(err, ErrGone):
		c.Cancel()
	default:
		c.Fail(err)
	}
}
