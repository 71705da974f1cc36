// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongodb

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	"github.com/pkg/errors"

	"github.com/olivere/gcjob"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "gc_jobs"

	// nodesSuffix is appended to the collection name for the collection
	// of node heartbeats.
	nodesSuffix = "_nodes"
)

var (
	_ gcjob.Store      = (*Store)(nil)
	_ gcjob.Membership = (*Store)(nil)
)

// Store represents a MongoDB-based storage backend.
// It implements the gcjob.Store and gcjob.Membership interfaces.
//
// The driver does not support contexts. A context is only checked
// before an operation starts.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	dbname := strings.TrimLeft(uri.Path, "/")
	if dbname == "" {
		return nil, errors.New("mongodb: database missing in URL")
	}

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)
	st.db = st.session.DB(dbname)

	// Create indices
	coll := st.db.C(st.collectionName)
	// At most one record per name that is not Done.
	err = coll.EnsureIndex(mgo.Index{
		Name:          "ux_live_name",
		Key:           []string{"name"},
		Unique:        true,
		PartialFilter: bson.M{"status": string(gcjob.Idle)},
	})
	if err != nil {
		st.session.Close()
		return nil, err
	}
	for _, key := range [][]string{{"status"}, {"owner"}, {"created"}} {
		if err := coll.EnsureIndexKey(key...); err != nil {
			st.session.Close()
			return nil, err
		}
	}
	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// with runs fn with a copy of the session, as mgo recommends for
// concurrent use.
func (s *Store) with(ctx context.Context, fn func(jobs, nodes *mgo.Collection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess := s.session.Copy()
	defer sess.Close()
	db := s.db.With(sess)
	return s.wrapError(fn(db.C(s.collectionName), db.C(s.collectionName+nodesSuffix)))
}

func (s *Store) wrapError(err error) error {
	switch {
	case err == mgo.ErrNotFound:
		// Map mgo.ErrNotFound to gcjob-specific "not found" error
		return gcjob.ErrNotFound
	case mgo.IsDup(err):
		return gcjob.ErrDuplicateName
	}
	return err
}

// Insert adds a new record to the store.
func (s *Store) Insert(ctx context.Context, rec *gcjob.Record) error {
	return s.with(ctx, func(jobs, _ *mgo.Collection) error {
		return jobs.Insert(newRecord(rec))
	})
}

// UpdateStatus sets the status of a record.
func (s *Store) UpdateStatus(ctx context.Context, id string, status gcjob.Status) error {
	return s.with(ctx, func(jobs, _ *mgo.Collection) error {
		sel := bson.M{"_id": id}
		if status != gcjob.Done {
			sel["status"] = bson.M{"$ne": string(gcjob.Done)}
		}
		err := jobs.Update(sel, bson.M{"$set": bson.M{
			"status":  string(status),
			"updated": time.Now().UnixNano(),
		}})
		if err == mgo.ErrNotFound && status != gcjob.Done {
			return s.why(jobs, id, "")
		}
		return err
	})
}

// ClaimOwner moves a record from one node to another.
func (s *Store) ClaimOwner(ctx context.Context, id, from, to string) error {
	return s.with(ctx, func(jobs, _ *mgo.Collection) error {
		err := jobs.Update(
			bson.M{"_id": id, "owner": from, "status": bson.M{"$ne": string(gcjob.Done)}},
			bson.M{"$set": bson.M{
				"owner":   to,
				"status":  string(gcjob.Idle),
				"updated": time.Now().UnixNano(),
			}},
		)
		if err == mgo.ErrNotFound {
			return s.why(jobs, id, from)
		}
		return err
	})
}

// why explains why a conditional update of the record found nothing.
func (s *Store) why(jobs *mgo.Collection, id, owner string) error {
	var r record
	if err := jobs.FindId(id).One(&r); err != nil {
		return err
	}
	if r.Status == string(gcjob.Done) {
		return gcjob.ErrAlreadyDone
	}
	if owner != "" && r.Owner != owner {
		return gcjob.ErrOwnerChanged
	}
	return errors.Errorf("mongodb: record %s changed concurrently", id)
}

// Delete removes a record from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.with(ctx, func(jobs, _ *mgo.Collection) error {
		err := jobs.RemoveId(id)
		if err == mgo.ErrNotFound {
			return nil
		}
		return err
	})
}

// Lookup retrieves a single record in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*gcjob.Record, error) {
	var r record
	err := s.with(ctx, func(jobs, _ *mgo.Collection) error {
		return jobs.FindId(id).One(&r)
	})
	if err != nil {
		return nil, err
	}
	return r.toRecord(), nil
}

// ListNonDone returns all records that are not Done, optionally
// filtered by name.
func (s *Store) ListNonDone(ctx context.Context, name string) ([]*gcjob.Record, error) {
	var list []record
	err := s.with(ctx, func(jobs, _ *mgo.Collection) error {
		q := bson.M{"status": bson.M{"$ne": string(gcjob.Done)}}
		if name != "" {
			q["name"] = name
		}
		return jobs.Find(q).Sort("created").All(&list)
	})
	if err != nil {
		return nil, err
	}
	result := make([]*gcjob.Record, len(list))
	for i := range list {
		result[i] = list[i].toRecord()
	}
	return result, nil
}

// Stats returns statistics about the records in the store.
func (s *Store) Stats(ctx context.Context) (*gcjob.Stats, error) {
	stats := new(gcjob.Stats)
	err := s.with(ctx, func(jobs, _ *mgo.Collection) error {
		var err error
		stats.Idle, err = jobs.Find(bson.M{"status": string(gcjob.Idle)}).Count()
		if err != nil {
			return err
		}
		stats.Done, err = jobs.Find(bson.M{"status": string(gcjob.Done)}).Count()
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Heartbeat records that node is alive.
func (s *Store) Heartbeat(ctx context.Context, node string, at time.Time) error {
	return s.with(ctx, func(_, nodes *mgo.Collection) error {
		_, err := nodes.UpsertId(node, bson.M{"$set": bson.M{"last_seen": at}})
		return err
	})
}

// LastSeen returns the time of the last heartbeat of node.
func (s *Store) LastSeen(ctx context.Context, node string) (time.Time, error) {
	var doc struct {
		LastSeen time.Time `bson:"last_seen"`
	}
	err := s.with(ctx, func(_, nodes *mgo.Collection) error {
		return nodes.FindId(node).One(&doc)
	})
	if err != nil {
		return time.Time{}, err
	}
	return doc.LastSeen, nil
}

// -- MongoDB-internal representation of a record --

type record struct {
	ID       string `bson:"_id"`
	Name     string `bson:"name"`
	Strategy string `bson:"strategy"`
	Runner   string `bson:"runner"`
	Context  []byte `bson:"context,omitempty"`
	Status   string `bson:"status"`
	Owner    string `bson:"owner"`
	Created  int64  `bson:"created"`
	Updated  int64  `bson:"updated"`
}

func newRecord(rec *gcjob.Record) *record {
	return &record{
		ID:       rec.ID,
		Name:     rec.Name,
		Strategy: string(rec.Strategy),
		Runner:   rec.Runner,
		Context:  rec.Context,
		Status:   string(rec.Status),
		Owner:    rec.Owner,
		Created:  rec.Created,
		Updated:  rec.Updated,
	}
}

func (r *record) toRecord() *gcjob.Record {
	return &gcjob.Record{
		ID:       r.ID,
		Name:     r.Name,
		Strategy: gcjob.Strategy(r.Strategy),
		Runner:   r.Runner,
		Context:  r.Context,
		Status:   gcjob.Status(r.Status),
		Owner:    r.Owner,
		Created:  r.Created,
		Updated:  r.Updated,
	}
}
