// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config binds the flags of the gcjob commands to viper and
// builds the store, logger and manager from them.
package config

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/mongodb"
	"github.com/olivere/gcjob/mysql"
	"github.com/olivere/gcjob/sqlite"
)

// EnvPrefix is the prefix of environment variables, e.g. GCJOB_DB_TYPE.
const EnvPrefix = "GCJOB"

// Keys of the common settings.
const (
	KeyDBType       = "db.type"
	KeyDBURL        = "db.url"
	KeyNode         = "node.id"
	KeyNodeTTL      = "node.ttl"
	KeyConcurrency  = "concurrency"
	KeyStoreTimeout = "store.timeout"
	KeyLogLevel     = "log.level"
	KeyLogFormat    = "log.format"
)

// Flags registers the common flags and binds them to v.
func Flags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyDBType, "memory", "Storage type (memory, sqlite, mysql or mongodb)")
	fs.String(KeyDBURL, "", "Connection string of the store, e.g. file:gcjob.db for sqlite")
	fs.String(KeyNode, "", "Identity of this node (random if empty)")
	fs.Duration(KeyNodeTTL, 30*time.Second, "Time after which a silent node is considered gone")
	fs.Int(KeyConcurrency, 0, "Maximum number of jobs running at once (0 for the default)")
	fs.Duration(KeyStoreTimeout, 10*time.Second, "Timeout of store calls made in the background")
	fs.String(KeyLogLevel, "info", "Log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, "console", "Log format (console or json)")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

// NewLogger creates the logger configured in v.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	switch v.GetString(KeyLogFormat) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, errors.Errorf("unsupported log format %q", v.GetString(KeyLogFormat))
	}
	cfg.Level = level
	return cfg.Build()
}

// OpenStore opens the store configured in v. The returned closer may be
// nil for stores without resources.
func OpenStore(ctx context.Context, v *viper.Viper) (gcjob.Store, io.Closer, error) {
	url := v.GetString(KeyDBURL)
	switch typ := v.GetString(KeyDBType); typ {
	case "memory", "":
		return gcjob.NewInMemoryStore(), nil, nil
	case "sqlite":
		if url == "" {
			url = "file:gcjob.db"
		}
		st, err := sqlite.NewStore(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "mysql":
		if url == "" {
			return nil, nil, errors.New("specify a MySQL connection string with --db.url, e.g. root@tcp(127.0.0.1:3306)/gcjob?loc=UTC")
		}
		st, err := mysql.NewStore(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "mongodb":
		if url == "" {
			return nil, nil, errors.New("specify a MongoDB URL with --db.url, e.g. mongodb://localhost/gcjob")
		}
		st, err := mongodb.NewStore(url)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		return nil, nil, errors.Errorf("unsupported db type %q", typ)
	}
}

// ManagerOptions returns the manager options configured in v.
func ManagerOptions(v *viper.Viper, logger *zap.Logger, st gcjob.Store, reg prometheus.Registerer) []gcjob.ManagerOption {
	options := []gcjob.ManagerOption{
		gcjob.SetLogger(logger),
		gcjob.SetStore(st),
		gcjob.SetNodeTTL(v.GetDuration(KeyNodeTTL)),
		gcjob.SetStoreTimeout(v.GetDuration(KeyStoreTimeout)),
	}
	if node := v.GetString(KeyNode); node != "" {
		options = append(options, gcjob.SetNode(node))
	}
	if n := v.GetInt(KeyConcurrency); n > 0 {
		options = append(options, gcjob.SetConcurrency(n))
	}
	if reg != nil {
		options = append(options, gcjob.SetRegisterer(reg))
	}
	return options
}
