// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongodb

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/globalsign/mgo/bson"
	"github.com/google/uuid"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/internal/storetest"
)

// newTestStore connects to GCJOB_MONGODB_URL, e.g.
// "mongodb://localhost/gcjob_test", and uses fresh collections.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("GCJOB_MONGODB_URL")
	if url == "" {
		t.Skip("GCJOB_MONGODB_URL not set")
	}
	st, err := NewStore(url, SetCollectionName(fmt.Sprintf("gc_jobs_%s", uuid.NewString()[:8])))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() {
		st.db.C(st.collectionName).DropCollection()
		st.db.C(st.collectionName + nodesSuffix).DropCollection()
		st.Close()
	})
	return st
}

func TestMongoDBStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) gcjob.Store {
		return newTestStore(t)
	})
}

func TestMongoDBNewStoreNeedsDatabase(t *testing.T) {
	_, err := NewStore("mongodb://localhost/")
	if err == nil {
		t.Fatal("expected NewStore to fail without a database name")
	}
}

func TestMongoDBRecordDocument(t *testing.T) {
	rec := &gcjob.Record{
		ID:       "1",
		Name:     "scan",
		Strategy: gcjob.TimeBased,
		Runner:   "delete-bits",
		Context:  []byte(`{"host":"h1"}`),
		Status:   gcjob.Idle,
		Owner:    "node-1",
		Created:  time.Now().UnixNano(),
	}
	data, err := bson.Marshal(newRecord(rec))
	if err != nil {
		t.Fatal(err)
	}
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if have, want := doc["_id"], "1"; have != want {
		t.Fatalf("_id = %v, want %v", have, want)
	}
	if have, want := doc["status"], "Idle"; have != want {
		t.Fatalf("status = %v, want %v", have, want)
	}
}
