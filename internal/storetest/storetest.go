// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package storetest checks implementations of gcjob.Store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/olivere/gcjob"
)

// Run runs the conformance tests against the stores returned by
// newStore. Every call must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) gcjob.Store) {
	t.Run("InsertAndLookup", func(t *testing.T) { testInsertAndLookup(t, newStore(t)) })
	t.Run("DuplicateName", func(t *testing.T) { testDuplicateName(t, newStore(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, newStore(t)) })
	t.Run("UpdateStatus", func(t *testing.T) { testUpdateStatus(t, newStore(t)) })
	t.Run("ClaimOwner", func(t *testing.T) { testClaimOwner(t, newStore(t)) })
	t.Run("ListNonDone", func(t *testing.T) { testListNonDone(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("Membership", func(t *testing.T) {
		st := newStore(t)
		ms, ok := st.(gcjob.Membership)
		if !ok {
			t.Skipf("%T does not implement gcjob.Membership", st)
		}
		testMembership(t, ms)
	})
}

func newRecord(name, owner string) *gcjob.Record {
	now := time.Now().UnixNano()
	return &gcjob.Record{
		ID:       uuid.NewString(),
		Name:     name,
		Strategy: gcjob.CycleBased,
		Runner:   "orphan-scan",
		Context:  []byte(`{"count":3,"target":"vol-9"}`),
		Status:   gcjob.Idle,
		Owner:    owner,
		Created:  now,
		Updated:  now,
	}
}

func insert(t *testing.T, st gcjob.Store, rec *gcjob.Record) {
	t.Helper()
	if err := st.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
}

func testInsertAndLookup(t *testing.T, st gcjob.Store) {
	ctx := context.Background()
	rec := newRecord("scan-vol-9", "node-1")
	insert(t, st, rec)

	have, err := st.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have.ID != rec.ID || have.Name != rec.Name || have.Runner != rec.Runner ||
		have.Strategy != rec.Strategy || have.Status != rec.Status || have.Owner != rec.Owner {
		t.Fatalf("Lookup = %+v, want %+v", have, rec)
	}
	if got, want := string(have.Context), string(rec.Context); got != want {
		t.Fatalf("Context = %s, want %s", got, want)
	}
	if have.Created != rec.Created {
		t.Fatalf("Created = %d, want %d", have.Created, rec.Created)
	}

	if _, err := st.Lookup(ctx, uuid.NewString()); !errors.Is(err, gcjob.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrNotFound)
	}
}

func testDuplicateName(t *testing.T, st gcjob.Store) {
	ctx := context.Background()
	first := newRecord("cleanup-orphan-volumes", "node-1")
	insert(t, st, first)

	err := st.Insert(ctx, newRecord("cleanup-orphan-volumes", "node-2"))
	if !errors.Is(err, gcjob.ErrDuplicateName) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrDuplicateName)
	}

	if err := st.UpdateStatus(ctx, first.ID, gcjob.Done); err != nil {
		t.Fatal(err)
	}
	insert(t, st, newRecord("cleanup-orphan-volumes", "node-2"))
	insert(t, st, newRecord("cleanup-other-volumes", "node-2"))
}

func testConcurrentInsert(t *testing.T, st gcjob.Store) {
	const n = 10
	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := st.Insert(context.Background(), newRecord("cleanup-orphan-volumes", fmt.Sprintf("node-%d", i)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, gcjob.ErrDuplicateName):
				dups.Add(1)
			default:
				t.Errorf("Insert failed with %v", err)
			}
		}(i)
	}
	wg.Wait()
	if have, want := wins.Load(), int32(1); have != want {
		t.Fatalf("successful inserts = %d, want %d", have, want)
	}
	if have, want := dups.Load(), int32(n-1); have != want {
		t.Fatalf("duplicates = %d, want %d", have, want)
	}
}

func testUpdateStatus(t *testing.T, st gcjob.Store) {
	ctx := context.Background()
	rec := newRecord("scan", "node-1")
	insert(t, st, rec)

	if err := st.UpdateStatus(ctx, rec.ID, gcjob.Idle); err != nil {
		t.Fatalf("UpdateStatus(Idle) failed with %v", err)
	}
	if err := st.UpdateStatus(ctx, rec.ID, gcjob.Done); err != nil {
		t.Fatalf("UpdateStatus(Done) failed with %v", err)
	}
	if err := st.UpdateStatus(ctx, rec.ID, gcjob.Done); err != nil {
		t.Fatalf("UpdateStatus(Done) on a Done record = %v, want nil", err)
	}
	if err := st.UpdateStatus(ctx, rec.ID, gcjob.Idle); !errors.Is(err, gcjob.ErrAlreadyDone) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrAlreadyDone)
	}
	have, err := st.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have.Status != gcjob.Done {
		t.Fatalf("Status = %v, want %v", have.Status, gcjob.Done)
	}
	if err := st.UpdateStatus(ctx, uuid.NewString(), gcjob.Done); !errors.Is(err, gcjob.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrNotFound)
	}
}

func testClaimOwner(t *testing.T, st gcjob.Store) {
	ctx := context.Background()
	rec := newRecord("scan", "node-1")
	insert(t, st, rec)

	if err := st.ClaimOwner(ctx, rec.ID, "node-2", "node-3"); !errors.Is(err, gcjob.ErrOwnerChanged) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrOwnerChanged)
	}
	if err := st.ClaimOwner(ctx, rec.ID, "node-1", "node-2"); err != nil {
		t.Fatalf("ClaimOwner failed with %v", err)
	}
	if err := st.ClaimOwner(ctx, rec.ID, "node-1", "node-3"); !errors.Is(err, gcjob.ErrOwnerChanged) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrOwnerChanged)
	}
	have, err := st.Lookup(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have.Owner != "node-2" || have.Status != gcjob.Idle {
		t.Fatalf("Owner, Status = %q, %v; want node-2, Idle", have.Owner, have.Status)
	}

	if err := st.UpdateStatus(ctx, rec.ID, gcjob.Done); err != nil {
		t.Fatal(err)
	}
	if err := st.ClaimOwner(ctx, rec.ID, "node-2", "node-3"); !errors.Is(err, gcjob.ErrAlreadyDone) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrAlreadyDone)
	}
	if err := st.ClaimOwner(ctx, uuid.NewString(), "a", "b"); !errors.Is(err, gcjob.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrNotFound)
	}
}

func testListNonDone(t *testing.T, st gcjob.Store) {
	ctx := context.Background()
	a := newRecord("a", "node-1")
	b := newRecord("b", "node-1")
	c := newRecord("c", "node-2")
	insert(t, st, a)
	insert(t, st, b)
	insert(t, st, c)
	if err := st.UpdateStatus(ctx, b.ID, gcjob.Done); err != nil {
		t.Fatal(err)
	}

	list, err := st.ListNonDone(ctx, "")
	if err != nil {
		t.Fatalf("ListNonDone failed with %v", err)
	}
	if have, want := len(list), 2; have != want {
		t.Fatalf("len(ListNonDone) = %d, want %d", have, want)
	}
	for _, rec := range list {
		if rec.ID == b.ID {
			t.Fatal("expected Done record not to be listed")
		}
	}

	list, err = st.ListNonDone(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("ListNonDone(c) = %+v", list)
	}
	list, err = st.ListNonDone(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("ListNonDone(b) = %+v, want none", list)
	}
}

func testStats(t *testing.T, st gcjob.Store) {
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		rec := newRecord(name, "node-1")
		insert(t, st, rec)
		if name == "c" {
			if err := st.UpdateStatus(ctx, rec.ID, gcjob.Done); err != nil {
				t.Fatal(err)
			}
		}
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.Idle, 2; have != want {
		t.Fatalf("Idle = %d, want %d", have, want)
	}
	if have, want := stats.Done, 1; have != want {
		t.Fatalf("Done = %d, want %d", have, want)
	}
}

func testMembership(t *testing.T, ms gcjob.Membership) {
	ctx := context.Background()
	node := uuid.NewString()
	if _, err := ms.LastSeen(ctx, node); !errors.Is(err, gcjob.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, gcjob.ErrNotFound)
	}
	first := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	if err := ms.Heartbeat(ctx, node, first); err != nil {
		t.Fatalf("Heartbeat failed with %v", err)
	}
	second := first.Add(30 * time.Second)
	if err := ms.Heartbeat(ctx, node, second); err != nil {
		t.Fatalf("Heartbeat failed with %v", err)
	}
	seen, err := ms.LastSeen(ctx, node)
	if err != nil {
		t.Fatalf("LastSeen failed with %v", err)
	}
	if !seen.Equal(second) {
		t.Fatalf("LastSeen = %v, want %v", seen, second)
	}
}
