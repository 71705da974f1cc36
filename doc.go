// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package gcjob runs persistent, resumable garbage collection jobs.
//
// Applications using gcjob first create a Manager. A manager knows one or
// more kinds of jobs. A Kind names a concrete job implementation, the
// scheduling strategy that drives it, and a pure function that rebuilds
// the job from its persisted snapshot. Kinds must be registered before
// jobs of that kind are submitted or resumed.
//
// A job is created with NewJob and persisted with Save. Save refuses to
// persist a job if another job with the same name has not completed yet;
// the caller must then drop its instance. Submit saves a job and, if that
// succeeded, registers it with the manager.
//
// Once registered, a job is driven by one of three strategies:
//
//	EventBased  triggers whenever a notification arrives on one of the
//	            kind's topics.
//	CycleBased  triggers every Kind.Interval. The first trigger happens
//	            one interval after registration.
//	TimeBased   triggers once at the time returned by the runner's
//	            NextTime (or Kind.Delay after registration).
//
// Every trigger first takes the job's execution lock. If the job is still
// busy with a previous trigger, the new trigger is skipped. The work itself
// runs on its own goroutine and reports exactly one outcome on the
// Completion it receives: Success, Cancel, or Fail. Success and Cancel
// mark the persisted record as Done and deregister the job. Fail leaves
// the record Idle; the job is tried again with the strategy's normal
// cadence. A panic in the work is turned into a Fail.
//
// The manager has a Store to implement persistent storage. By default, an
// in memory store is used. There are persistent stores in the "sqlite",
// "mysql", and "mongodb" packages.
//
// When the manager starts, it loads all records that are not Done and
// resumes those owned by this node or by a node that stopped sending
// heartbeats. Records that cannot be restored are logged and skipped.
package gcjob
