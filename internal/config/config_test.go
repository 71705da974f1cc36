// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package config

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/olivere/gcjob"
)

func newTestViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := Flags(fs, v); err != nil {
		t.Fatal(err)
	}
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestDefaults(t *testing.T) {
	v := newTestViper(t)
	if have, want := v.GetString(KeyDBType), "memory"; have != want {
		t.Fatalf("db.type = %q, want %q", have, want)
	}
	if have, want := v.GetDuration(KeyNodeTTL), 30*time.Second; have != want {
		t.Fatalf("node.ttl = %v, want %v", have, want)
	}
	st, closer, err := OpenStore(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if closer != nil {
		t.Fatal("expected no closer for the in-memory store")
	}
	if _, ok := st.(*gcjob.InMemoryStore); !ok {
		t.Fatalf("store = %T, want *gcjob.InMemoryStore", st)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("GCJOB_NODE_ID", "node-from-env")
	v := newTestViper(t)
	if have, want := v.GetString(KeyNode), "node-from-env"; have != want {
		t.Fatalf("node.id = %q, want %q", have, want)
	}
}

func TestOpenStoreErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--db.type", "oracle"},
		{"--db.type", "mysql"},
		{"--db.type", "mongodb"},
	} {
		v := newTestViper(t, args...)
		if _, _, err := OpenStore(context.Background(), v); err == nil {
			t.Errorf("OpenStore(%v): expected error", args)
		}
	}
}

func TestOpenSQLiteStore(t *testing.T) {
	v := newTestViper(t, "--db.type", "sqlite", "--db.url", "file:"+t.TempDir()+"/gcjob.db")
	st, closer, err := OpenStore(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if _, err := st.Stats(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNewLogger(t *testing.T) {
	v := newTestViper(t, "--log.level", "debug", "--log.format", "json")
	if _, err := NewLogger(v); err != nil {
		t.Fatal(err)
	}
	v = newTestViper(t, "--log.format", "xml")
	if _, err := NewLogger(v); err == nil {
		t.Fatal("expected error for an unknown format")
	}
}
