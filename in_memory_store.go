// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	_ Store      = (*InMemoryStore)(nil)
	_ Membership = (*InMemoryStore)(nil)
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store and Membership interfaces. Do not use in production.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	nodes   map[string]time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*Record),
		nodes:   make(map[string]time.Time),
	}
}

// Insert adds a new record.
func (st *InMemoryStore) Insert(_ context.Context, rec *Record) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.records[rec.ID]; found {
		return fmt.Errorf("gcjob: record %s already exists", rec.ID)
	}
	for _, r := range st.records {
		if r.Name == rec.Name && r.Status != Done {
			return ErrDuplicateName
		}
	}
	st.records[rec.ID] = rec.Clone()
	return nil
}

// UpdateStatus sets the status of a record.
func (st *InMemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, found := st.records[id]
	if !found {
		return ErrNotFound
	}
	if r.Status == Done {
		if status == Done {
			return nil
		}
		return ErrAlreadyDone
	}
	r.Status = status
	r.Updated = time.Now().UnixNano()
	return nil
}

// ClaimOwner moves a record to another node.
func (st *InMemoryStore) ClaimOwner(_ context.Context, id, from, to string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, found := st.records[id]
	if !found {
		return ErrNotFound
	}
	if r.Status == Done {
		return ErrAlreadyDone
	}
	if r.Owner != from {
		return ErrOwnerChanged
	}
	r.Owner = to
	r.Status = Idle
	r.Updated = time.Now().UnixNano()
	return nil
}

// Delete removes the record.
func (st *InMemoryStore) Delete(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.records, id)
	return nil
}

// Lookup returns the record with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(_ context.Context, id string) (*Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, found := st.records[id]
	if !found {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// ListNonDone returns the records that are not Done, optionally filtered by name.
func (st *InMemoryStore) ListNonDone(_ context.Context, name string) ([]*Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var list []*Record
	for _, r := range st.records {
		if r.Status == Done {
			continue
		}
		if name != "" && r.Name != name {
			continue
		}
		list = append(list, r.Clone())
	}
	return list, nil
}

// Stats returns statistics about the records in the store.
func (st *InMemoryStore) Stats(_ context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, r := range st.records {
		switch r.Status {
		default:
			return nil, fmt.Errorf("found unknown status %v", r.Status)
		case Idle:
			stats.Idle++
		case Done:
			stats.Done++
		}
	}
	return stats, nil
}

// Heartbeat records that node is alive.
func (st *InMemoryStore) Heartbeat(_ context.Context, node string, at time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nodes[node] = at
	return nil
}

// LastSeen returns the last heartbeat of node (or ErrNotFound).
func (st *InMemoryStore) LastSeen(_ context.Context, node string) (time.Time, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	at, found := st.nodes[node]
	if !found {
		return time.Time{}, ErrNotFound
	}
	return at, nil
}
