// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"runtime/debug"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// fire is called by drivers. It skips the trigger if the job is still
// busy or if all trigger slots of the manager are taken. It never blocks.
func (j *Job) fire() bool {
	m := j.m
	if !j.TryLock() {
		m.logger.Debug("job still running, skipping trigger", j.fields()...)
		m.metrics.skip(j.kind.Name, "locked")
		m.testJobSkipped() // testing hook
		return false
	}
	if !m.registered(j.ID()) {
		// Stale trigger of a job that completed in the meantime.
		j.Unlock()
		return false
	}
	if !m.sem.TryAcquire(1) {
		j.Unlock()
		m.logger.Debug("no free trigger slot, skipping trigger", j.fields()...)
		m.metrics.skip(j.kind.Name, "busy")
		m.testJobSkipped() // testing hook
		return false
	}
	if !j.trigger() {
		m.sem.Release(1)
		j.Unlock()
		return false
	}
	return true
}

// trigger runs the work of the job on its own goroutine. The caller must
// hold the execution lock and a trigger slot. It returns false once the
// manager is closed.
func (j *Job) trigger() bool {
	m := j.m
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.workersWg.Add(1)
	m.mu.Unlock()

	n := j.executed.Add(1)
	m.metrics.trigger(j.kind.Name)
	go func() {
		defer m.workersWg.Done()
		defer m.sem.Release(1)
		j.run(n)
	}()
	return true
}

// run executes a single trigger. A panic in the runner is reported as
// a failure of the job.
func (j *Job) run(n int64) {
	m := j.m
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("unhandled fault when running job",
				append(j.fields(),
					zap.Any("fault", r),
					zap.ByteString("stack", debug.Stack()))...)
			j.fail(errors.Wrapf(ErrUnhandledFault, "job %s: %v", j.name, r))
		}
	}()

	m.logger.Debug("triggering job", append(j.fields(), zap.Int64("execution", n))...)
	m.testJobStarted() // testing hook
	j.runner.TriggerNow(m.ctx, completion{j: j})
}
