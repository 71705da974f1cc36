// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrUnknownKind is returned when a job refers to a kind that has not
	// been registered with the manager.
	ErrUnknownKind = errors.New("gcjob: unknown kind")

	// ErrUnknownStrategy is returned for strategies other than EventBased,
	// CycleBased, and TimeBased.
	ErrUnknownStrategy = errors.New("gcjob: unknown strategy")

	// ErrCorruptContext is returned when a persisted snapshot cannot be
	// restored.
	ErrCorruptContext = errors.New("gcjob: cannot restore job context")

	// ErrAlreadySaved is returned when Save is called on a job that is
	// bound to a record already.
	ErrAlreadySaved = errors.New("gcjob: job already saved")

	// ErrNotSaved is returned when registering a job that has no record.
	ErrNotSaved = errors.New("gcjob: job not saved")

	// ErrNotRegistered is returned when a job is not registered with
	// the manager.
	ErrNotRegistered = errors.New("gcjob: job not registered")

	// ErrClosed is returned when a job is submitted, registered, or fired
	// after the manager was closed.
	ErrClosed = errors.New("gcjob: manager closed")

	// ErrUnhandledFault wraps panics raised by job work.
	ErrUnhandledFault = errors.New("gcjob: unhandled fault in job")
)

// Job is a garbage collection job managed by a Manager.
type Job struct {
	m      *Manager
	kind   *Kind
	runner Runner
	name   string

	mu       sync.Mutex // guards the following block
	id       string
	strategy Strategy
	drv      driver

	locked   atomic.Bool
	executed atomic.Int64
}

// JobOption is the signature of an options provider for jobs.
type JobOption func(*Job)

// WithName overrides the name of a job. The name is used to prevent
// duplicate jobs and defaults to the kind name.
func WithName(name string) JobOption {
	return func(j *Job) {
		if name != "" {
			j.name = name
		}
	}
}

// ID returns the identity of the job. It is empty until the job is saved.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// Name returns the name of the job.
func (j *Job) Name() string { return j.name }

// Kind returns the name of the kind of the job.
func (j *Job) Kind() string { return j.kind.Name }

// Runner returns the work of the job.
func (j *Job) Runner() Runner { return j.runner }

// Strategy returns the strategy that drives the job.
func (j *Job) Strategy() Strategy {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.strategy
}

// Executions returns the number of times the job has been triggered.
func (j *Job) Executions() int64 { return j.executed.Load() }

// Running returns true while the job holds its execution lock.
func (j *Job) Running() bool { return j.locked.Load() }

// TryLock takes the execution lock. It returns true if the lock was
// free and is now held by the caller.
func (j *Job) TryLock() bool {
	return j.locked.CompareAndSwap(false, true)
}

// Unlock releases the execution lock.
func (j *Job) Unlock() {
	j.locked.Store(false)
}

func (j *Job) bind(id string, strategy Strategy) {
	j.mu.Lock()
	j.id = id
	j.strategy = strategy
	j.mu.Unlock()
}

func (j *Job) driver() driver {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.drv
}

func (j *Job) setDriver(d driver) {
	j.mu.Lock()
	j.drv = d
	j.mu.Unlock()
}

// Save persists the job. It returns false if there is already a job with
// the same name that is not done yet; the caller must then discard j.
func (j *Job) Save(ctx context.Context) (bool, error) {
	if j.ID() != "" {
		return false, ErrAlreadySaved
	}
	m := j.m

	if m.locker != nil {
		release, err := m.locker.Lock(ctx, j.name)
		if err != nil {
			return false, errors.Wrapf(err, "gcjob: lock name %s", j.name)
		}
		defer release()
	}

	dup, err := j.isDuplicate(ctx)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	snapshot, err := j.runner.Snapshot()
	if err != nil {
		return false, errors.Wrapf(err, "gcjob: snapshot job %s", j.name)
	}
	now := time.Now().UnixNano()
	rec := &Record{
		ID:       uuid.NewString(),
		Name:     j.name,
		Strategy: j.kind.Strategy,
		Runner:   j.kind.Name,
		Context:  snapshot,
		Status:   Idle,
		Owner:    m.node,
		Created:  now,
		Updated:  now,
	}
	if err := m.st.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			m.logger.Debug("duplicate job rejected by store", zap.String("job", j.name))
			return false, nil
		}
		return false, err
	}
	j.bind(rec.ID, rec.Strategy)

	m.logger.Debug("saved job", j.fields()...)
	return true, nil
}

func (j *Job) isDuplicate(ctx context.Context) (bool, error) {
	list, err := j.m.st.ListNonDone(ctx, j.name)
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return false, nil
	}
	j.m.logger.Debug("duplicate job found",
		zap.String("job", j.name),
		zap.String("existing", list[0].ID))
	return true, nil
}

func (j *Job) fields() []zap.Field {
	return []zap.Field{
		zap.String("job", j.name),
		zap.String("id", j.ID()),
		zap.String("runner", j.kind.Name),
		zap.String("strategy", string(j.Strategy())),
	}
}

// JobInfo summarizes a registered job.
type JobInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Runner     string   `json:"runner"`
	Strategy   Strategy `json:"strategy"`
	Executions int64    `json:"executions"`
	Running    bool     `json:"running"`
}

// Info returns a summary of the job.
func (j *Job) Info() JobInfo {
	return JobInfo{
		ID:         j.ID(),
		Name:       j.name,
		Runner:     j.kind.Name,
		Strategy:   j.Strategy(),
		Executions: j.Executions(),
		Running:    j.Running(),
	}
}
