// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/internal/storetest"
)

func newTestStore(t *testing.T, dsn string) *Store {
	t.Helper()
	st, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) gcjob.Store {
		return newTestStore(t, ":memory:")
	})
}

func TestSQLiteStoreSchemaIsIdempotent(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "gc.db")
	newTestStore(t, dsn).Close()
	newTestStore(t, dsn)
}

type volumeScan struct {
	Count  int    `json:"count"`
	Target string `json:"target"`
}

func (s *volumeScan) TriggerNow(_ context.Context, c gcjob.Completion) { c.Success() }
func (s *volumeScan) Snapshot() ([]byte, error)                        { return json.Marshal(s) }

var volumeScanKind = gcjob.Kind{
	Name:     "orphan-scan",
	Strategy: gcjob.CycleBased,
	Interval: time.Hour,
	Restore:  gcjob.RestoreJSON(func(s *volumeScan) gcjob.Runner { return s }),
}

// TestSQLiteRestart saves a job with one process and resumes it from the
// same database file with the next.
func TestSQLiteRestart(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "gc.db")

	st1 := newTestStore(t, dsn)
	m1, err := gcjob.New(gcjob.SetStore(st1), gcjob.SetNode("node-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.RegisterKind(volumeScanKind); err != nil {
		t.Fatal(err)
	}
	j1, err := m1.NewJob("orphan-scan", &volumeScan{Count: 3, Target: "vol-9"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m1.Submit(ctx, j1); err != nil || !ok {
		t.Fatalf("Submit = %t, %v", ok, err)
	}
	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st1.Close(); err != nil {
		t.Fatal(err)
	}

	st2 := newTestStore(t, dsn)
	m2, err := gcjob.New(gcjob.SetStore(st2), gcjob.SetNode("node-1"))
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	if err := m2.RegisterKind(volumeScanKind); err != nil {
		t.Fatal(err)
	}
	if err := m2.Start(ctx); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	j2, found := m2.Job(j1.ID())
	if !found {
		t.Fatal("expected job to be resumed")
	}
	s, ok := j2.Runner().(*volumeScan)
	if !ok {
		t.Fatalf("Runner = %T, want *volumeScan", j2.Runner())
	}
	if s.Count != 3 || s.Target != "vol-9" {
		t.Fatalf("runner = %+v, want {3 vol-9}", s)
	}
	if have, want := j2.Strategy(), gcjob.CycleBased; have != want {
		t.Fatalf("Strategy = %v, want %v", have, want)
	}

	// The same name cannot be saved again while the job is pending.
	dup, _ := m2.NewJob("orphan-scan", &volumeScan{})
	ok, err = dup.Save(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Save = true, want false")
	}
}
