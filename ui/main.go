// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/cleanup"
	"github.com/olivere/gcjob/internal/config"
	"github.com/olivere/gcjob/ui/server"
)

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "ui",
		Short:         "Web UI for the garbage collection jobs of a node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:12345", "HTTP bind address")
	cmd.Flags().String("public", "public", "Directory with the static files")
	if err := config.Flags(cmd.Flags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "exit with error %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize the store
	st, closer, err := config.OpenStore(ctx, v)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	// Initialize the manager
	reg := prometheus.NewRegistry()
	m, err := gcjob.New(config.ManagerOptions(v, logger, st, reg)...)
	if err != nil {
		return err
	}
	defer m.Close()
	cleaner := cleanup.NewLogCleaner(logger.Named("cleaner"), 0, 1)
	if err := cleanup.Register(m, cleaner, cleanup.DefaultConfig()); err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	s := server.New(m,
		server.SetLogger(logger.Named("ui")),
		server.SetGatherer(reg),
		server.SetPublicDir(v.GetString("public")))

	logger.Info("web server listening", zap.String("addr", v.GetString("addr")))
	return s.Serve(ctx, v.GetString("addr"))
}
