// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	rec := &Record{ID: "1", Name: "scan", Strategy: CycleBased, Runner: "scan", Status: Idle, Owner: "a"}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	err := st.Insert(ctx, &Record{ID: "2", Name: "scan", Status: Idle})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err = %v, want %v", err, ErrDuplicateName)
	}

	// Records are copied on the way in and out.
	rec.Owner = "changed"
	have, err := st.Lookup(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if have.Owner != "a" {
		t.Fatalf("Owner = %q, want %q", have.Owner, "a")
	}

	if err := st.ClaimOwner(ctx, "1", "b", "c"); !errors.Is(err, ErrOwnerChanged) {
		t.Fatalf("err = %v, want %v", err, ErrOwnerChanged)
	}
	if err := st.ClaimOwner(ctx, "1", "a", "b"); err != nil {
		t.Fatalf("ClaimOwner failed with %v", err)
	}
	if err := st.UpdateStatus(ctx, "1", Idle); err != nil {
		t.Fatalf("UpdateStatus failed with %v", err)
	}
	if err := st.UpdateStatus(ctx, "1", Done); err != nil {
		t.Fatalf("UpdateStatus failed with %v", err)
	}
	if err := st.UpdateStatus(ctx, "1", Done); err != nil {
		t.Fatalf("UpdateStatus(Done) on a Done record = %v, want nil", err)
	}
	if err := st.UpdateStatus(ctx, "1", Idle); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("err = %v, want %v", err, ErrAlreadyDone)
	}
	if err := st.ClaimOwner(ctx, "1", "b", "c"); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("err = %v, want %v", err, ErrAlreadyDone)
	}
	if err := st.UpdateStatus(ctx, "missing", Done); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrNotFound)
	}

	// The name is free once the record is done.
	if err := st.Insert(ctx, &Record{ID: "2", Name: "scan", Status: Idle}); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	list, err := st.ListNonDone(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "2" {
		t.Fatalf("ListNonDone = %+v", list)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Idle != 1 || stats.Done != 1 {
		t.Fatalf("Stats = %+v", stats)
	}
}

func TestInMemoryStoreMembership(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	if _, err := st.LastSeen(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrNotFound)
	}
	at := time.Now()
	if err := st.Heartbeat(ctx, "a", at); err != nil {
		t.Fatal(err)
	}
	seen, err := st.LastSeen(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !seen.Equal(at) {
		t.Fatalf("LastSeen = %v, want %v", seen, at)
	}
}
