// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/internal/storetest"
)

// testDBURL is e.g. "root@tcp(127.0.0.1:3306)/gcjob_test?loc=UTC".
// Tests are skipped when it is not set.
var testDBURL = os.Getenv("GCJOB_MYSQL_URL")

func TestMain(m *testing.M) {
	if testDBURL == "" {
		os.Exit(m.Run())
	}
	cfg, err := mysql.ParseDSN(testDBURL)
	if err != nil {
		panic(fmt.Sprintf("unable to parse connection string %q: %v", testDBURL, err))
	}
	dbname := cfg.DBName
	if dbname == "" {
		panic(fmt.Sprintf("no database specified in connection string %q", testDBURL))
	}
	// Connect without DB name
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		panic(fmt.Sprintf("unable to open connection string %q: %v", cfg.FormatDSN(), err))
	}
	defer db.Close()

	code := m.Run()

	// Drop database
	_, err = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbname))
	if err != nil {
		panic(fmt.Sprintf("unable to drop database %q from connection string %q: %v", dbname, testDBURL, err))
	}

	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testDBURL == "" {
		t.Skip("GCJOB_MYSQL_URL not set")
	}
	st, err := NewStore(context.Background(), testDBURL)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	for _, table := range []string{"gc_jobs", "gc_nodes"} {
		if _, err := st.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestMySQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) gcjob.Store {
		return newTestStore(t)
	})
}

func TestMySQLNewStoreNeedsDatabase(t *testing.T) {
	_, err := NewStore(context.Background(), "root@tcp(127.0.0.1:3306)/")
	if err == nil {
		t.Fatal("expected NewStore to fail without a database name")
	}
}
