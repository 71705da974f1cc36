// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound must be returned from the Store interface when a certain
	// record could not be found in the specific data store.
	ErrNotFound = errors.New("gcjob: job not found")

	// ErrDuplicateName must be returned from Store.Insert when there is
	// already a record with the same name that is not Done.
	ErrDuplicateName = errors.New("gcjob: duplicate job name")

	// ErrAlreadyDone is returned when an update would move a Done record
	// back to another state.
	ErrAlreadyDone = errors.New("gcjob: job already done")

	// ErrOwnerChanged is returned from Store.ClaimOwner when another node
	// claimed the record first.
	ErrOwnerChanged = errors.New("gcjob: job owner changed")
)

// Store implements persistent storage of job records.
//
// All updates are conditioned on the record identity. Implementations
// must guarantee that at most one record per name is not Done, and
// report a violation from Insert as ErrDuplicateName.
type Store interface {
	// Insert adds a new record to the store. The record comes with its
	// identity already set.
	Insert(ctx context.Context, rec *Record) error

	// UpdateStatus sets the status of the record with the given identity.
	// It returns ErrNotFound if the record does not exist (anymore) and
	// ErrAlreadyDone if the record is Done and status is not. Setting a
	// Done record to Done again is a no-op.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// ClaimOwner moves ownership of a record from one node to another and
	// resets its status to Idle. It fails with ErrOwnerChanged if the
	// current owner is not from, with ErrAlreadyDone if the record is Done,
	// and with ErrNotFound if there is no such record.
	ClaimOwner(ctx context.Context, id, from, to string) error

	// Lookup returns the record with the specified identity.
	// If the record could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Record, error)

	// ListNonDone returns all records that are not Done. If name is not
	// empty, only records with that name are returned.
	ListNonDone(ctx context.Context, name string) ([]*Record, error)

	// Stats returns the number of records per status.
	Stats(ctx context.Context) (*Stats, error)
}

// Membership keeps track of the nodes that drive jobs. A node that does
// not send heartbeats anymore is considered gone, and its jobs may be
// taken over by other nodes.
type Membership interface {
	// Heartbeat records that node was alive at the given time.
	Heartbeat(ctx context.Context, node string, at time.Time) error

	// LastSeen returns the time of the last heartbeat of node.
	// It returns ErrNotFound if node never sent a heartbeat.
	LastSeen(ctx context.Context, node string) (time.Time, error)
}

// Stats returns statistics about jobs.
type Stats struct {
	Idle       int `json:"idle"`       // number of records waiting for a trigger
	Done       int `json:"done"`       // number of completed or cancelled records
	Registered int `json:"registered"` // number of jobs registered with this manager
	Running    int `json:"running"`    // number of jobs of this manager currently executing
}
