// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import "encoding/json"

// Status is the persisted state of a job.
type Status string

const (
	// Idle jobs are waiting for their next trigger.
	Idle Status = "Idle"
	// Done jobs completed or cancelled themselves. Done is terminal.
	Done Status = "Done"
)

// Strategy selects the driver that triggers a job.
type Strategy string

const (
	// EventBased jobs are triggered by notifications.
	EventBased Strategy = "EventBased"
	// CycleBased jobs are triggered on a fixed interval.
	CycleBased Strategy = "CycleBased"
	// TimeBased jobs are triggered once at a given time.
	TimeBased Strategy = "TimeBased"
)

// Valid returns true if s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case EventBased, CycleBased, TimeBased:
		return true
	}
	return false
}

// Record is the durable representation of a job.
type Record struct {
	ID       string          `json:"id"`       // identity, never changes
	Name     string          `json:"name"`     // logical name used for deduplication
	Strategy Strategy        `json:"strategy"` // driver to attach on resume
	Runner   string          `json:"runner"`   // name of the Kind that owns this record
	Context  json.RawMessage `json:"context"`  // snapshot of the runner
	Status   Status          `json:"status"`   // current state
	Owner    string          `json:"owner"`    // node entitled to drive the job
	Created  int64           `json:"created"`  // time when the job was saved (in UnixNano)
	Updated  int64           `json:"updated"`  // time when the record was last updated (in UnixNano)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.Context != nil {
		c.Context = append(json.RawMessage(nil), r.Context...)
	}
	return &c
}
