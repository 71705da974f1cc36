// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Runner is the work of a job.
//
// TriggerNow runs one attempt and must report exactly one outcome on c,
// either before returning or later from another goroutine. It may be
// called again after a Fail, so it must be idempotent or resumable.
//
// Snapshot returns everything needed to rebuild the runner with the
// Restore function of its Kind. Nothing else survives a restart.
type Runner interface {
	TriggerNow(ctx context.Context, c Completion)
	Snapshot() ([]byte, error)
}

// RestoreFunc rebuilds a Runner from a snapshot.
type RestoreFunc func(snapshot []byte) (Runner, error)

// Timed is implemented by runners of TimeBased kinds that decide
// themselves when they want to be triggered. NextTime is asked when the
// job is registered and again after every Fail.
type Timed interface {
	NextTime() time.Time
}

// EventFilter is implemented by runners of EventBased kinds that only
// want to be triggered by some of the events on their topics.
type EventFilter interface {
	Accept(e Event) bool
}

// Kind describes a concrete job implementation.
type Kind struct {
	// Name identifies the kind. It is persisted with every record as
	// the runner type and used to find the kind on resume.
	Name string

	// Strategy selects the driver for jobs of this kind.
	Strategy Strategy

	// Restore rebuilds a runner from a snapshot.
	Restore RestoreFunc

	// Interval between triggers of CycleBased jobs.
	Interval time.Duration

	// Delay after registration of TimeBased jobs whose runner does not
	// implement Timed. It is also the time between retries after a Fail
	// when NextTime returns the zero time. Must be positive.
	Delay time.Duration

	// Topics that trigger EventBased jobs.
	Topics []string
}

func (k *Kind) validate() error {
	if k.Name == "" {
		return errors.New("gcjob: kind has no name")
	}
	if k.Restore == nil {
		return errors.Errorf("gcjob: kind %s has no restore function", k.Name)
	}
	switch k.Strategy {
	case EventBased:
		if len(k.Topics) == 0 {
			return errors.Errorf("gcjob: event based kind %s has no topics", k.Name)
		}
	case CycleBased:
		if k.Interval <= 0 {
			return errors.Errorf("gcjob: cycle based kind %s needs a positive interval", k.Name)
		}
	case TimeBased:
		if k.Delay <= 0 {
			return errors.Errorf("gcjob: time based kind %s needs a positive delay", k.Name)
		}
	default:
		return errors.Wrapf(ErrUnknownStrategy, "kind %s: %q", k.Name, k.Strategy)
	}
	return nil
}

// RestoreJSON returns a RestoreFunc that decodes a JSON snapshot into a
// fresh T and passes it to build.
func RestoreJSON[T any](build func(*T) Runner) RestoreFunc {
	return func(snapshot []byte) (Runner, error) {
		v := new(T)
		if err := json.Unmarshal(snapshot, v); err != nil {
			return nil, err
		}
		return build(v), nil
	}
}
