// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Completion is passed to Runner.TriggerNow. The runner reports the
// outcome of a trigger by calling exactly one of its methods.
type Completion interface {
	// Success marks the job as done and removes it from the manager.
	Success()
	// Cancel is like Success, but tells that the job decided its work
	// is no longer needed.
	Cancel()
	// Fail keeps the job for another trigger.
	Fail(err error)
}

type completion struct {
	j *Job
}

func (c completion) Success()       { c.j.success() }
func (c completion) Cancel()        { c.j.cancel() }
func (c completion) Fail(err error) { c.j.fail(err) }

const (
	outcomeSuccess = "success"
	outcomeCancel  = "cancel"
	outcomeFail    = "fail"
)

func (j *Job) success() {
	j.m.logger.Debug("job completed successfully", j.fields()...)
	j.finish(outcomeSuccess)
	j.m.testJobSucceeded() // testing hook
}

func (j *Job) cancel() {
	j.m.logger.Debug("job cancelled by itself", j.fields()...)
	j.finish(outcomeCancel)
	j.m.testJobCancelled() // testing hook
}

// finish marks the record as Done and deregisters the job. The lock is
// released last so that the driver cannot trigger the job in between.
func (j *Job) finish(outcome string) {
	m := j.m
	ctx, cancel := m.storeContext()
	defer cancel()

	err := m.st.UpdateStatus(ctx, j.ID(), Done)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Error("cannot mark job as done", append(j.fields(), zap.Error(err))...)
	}
	m.DeregisterGC(j)
	j.Unlock()
	m.metrics.outcome(j.kind.Name, outcome)
}

func (j *Job) fail(reason error) {
	m := j.m
	j.Unlock()
	m.logger.Debug("job failed", append(j.fields(), zap.Error(reason))...)

	ctx, cancel := m.storeContext()
	defer cancel()

	_, err := m.st.Lookup(ctx, j.ID())
	if errors.Is(err, ErrNotFound) {
		m.logger.Warn("cannot find job, assume it is deleted", j.fields()...)
		j.cancel()
		return
	}
	if err != nil {
		// The record is still there as far as we know: keep the job.
		m.logger.Error("cannot load failed job", append(j.fields(), zap.Error(err))...)
		j.rearm()
		m.metrics.outcome(j.kind.Name, outcomeFail)
		m.testJobFailed() // testing hook
		return
	}

	err = m.st.UpdateStatus(ctx, j.ID(), Idle)
	switch {
	case errors.Is(err, ErrNotFound):
		m.logger.Warn("job deleted while failing, assume it is cancelled", j.fields()...)
		j.cancel()
		return
	case errors.Is(err, ErrAlreadyDone):
		// Another outcome was reported for this trigger.
		m.logger.Warn("job failed after it was done", j.fields()...)
		m.DeregisterGC(j)
	case err != nil:
		m.logger.Error("cannot reset failed job", append(j.fields(), zap.Error(err))...)
		j.rearm()
	default:
		j.rearm()
	}
	m.metrics.outcome(j.kind.Name, outcomeFail)
	m.testJobFailed() // testing hook
}

// rearm lets the driver of a registered job schedule the next trigger.
func (j *Job) rearm() {
	if d := j.driver(); d != nil && j.m.registered(j.ID()) {
		d.retry()
	}
}
