// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/gcjob"
	"github.com/olivere/gcjob/cleanup"
	"github.com/olivere/gcjob/internal/config"
)

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "e2e",
		Short:         "Submits cleanup jobs at random and prints statistics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	fs := cmd.Flags()
	fs.Duration("fill-time", time.Second, "interval in which new jobs get added")
	fs.Duration("log-interval", time.Second, "log interval for stats")
	fs.Int("hosts", 5, "number of hosts that reconnect at random")
	fs.Int("storages", 3, "number of primary storages")
	fs.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
	fs.Duration("delete-delay", 2*time.Second, "delay of volume bit deletion")
	fs.Duration("scan-interval", 3*time.Second, "interval of orphan volume scans")
	fs.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	if err := config.Flags(fs, v); err != nil {
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
	if v.GetInt("hosts") <= 0 || v.GetInt("storages") <= 0 {
		return errors.New("hosts and storages must be greater than 0")
	}
	if v.GetDuration("fill-time") <= 0 || v.GetDuration("log-interval") <= 0 {
		return errors.New("fill-time and log-interval must be positive")
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, closer, err := config.OpenStore(ctx, v)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	m, err := gcjob.New(config.ManagerOptions(v, logger, st, nil)...)
	if err != nil {
		return err
	}
	cleaner := cleanup.NewLogCleaner(logger.Named("cleaner"), v.GetFloat64("failure-rate"), time.Now().UnixNano())
	err = cleanup.Register(m, cleaner, cleanup.Config{
		DeleteDelay:  v.GetDuration("delete-delay"),
		ScanInterval: v.GetDuration("scan-interval"),
	})
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return enqueuer(ctx, m, cleaner, v) })
	g.Go(func() error { return reconnector(ctx, m, v, logger) })
	g.Go(func() error { return printStats(ctx, m, v.GetDuration("log-interval")) })
	err = g.Wait()

	logger.Info("shutting down")
	if cerr := m.CloseWithTimeout(v.GetDuration("shutdown-timeout")); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// enqueuer submits a random cleanup job every now and then. Duplicates
// of pending jobs are dropped by the manager.
func enqueuer(ctx context.Context, m *gcjob.Manager, c cleanup.Cleaner, v *viper.Viper) error {
	fillTime := v.GetDuration("fill-time")
	hosts, storages := v.GetInt("hosts"), v.GetInt("storages")
	var cnt int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(fillTime)))):
		}
		cnt++
		storage := fmt.Sprintf("ps-%d", rand.Intn(storages))
		var job cleanup.Job
		switch rand.Intn(3) {
		case 0:
			job = cleanup.NewDeleteVolumeBits(c, cleanup.VolumeBits{
				PrimaryStorage: storage,
				InstallPath:    fmt.Sprintf("/volumes/%05d", cnt),
				BitsType:       "volume",
			}, time.Time{})
		case 1:
			job = cleanup.NewOrphanVolumeScan(c, storage)
		default:
			job = cleanup.NewHostReconnect(c, fmt.Sprintf("host-%d", rand.Intn(hosts)))
		}
		if _, err := cleanup.Submit(ctx, m, job); err != nil {
			return err
		}
	}
}

// reconnector publishes host reconnects at random.
func reconnector(ctx context.Context, m *gcjob.Manager, v *viper.Viper, logger *zap.Logger) error {
	hosts := v.GetInt("hosts")
	t := time.NewTicker(v.GetDuration("fill-time"))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			host := fmt.Sprintf("host-%d", rand.Intn(hosts))
			if err := cleanup.PublishHostConnected(m, host); err != nil {
				logger.Warn("cannot publish", zap.Error(err))
			}
		}
	}
}

func printStats(ctx context.Context, m *gcjob.Manager, d time.Duration) error {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			ss, err := m.Stats(ctx)
			if err == nil {
				fmt.Printf("Idle=%6d Done=%6d Registered=%6d Running=%6d\n",
					ss.Idle,
					ss.Done,
					ss.Registered,
					ss.Running)
			}
		}
	}
}
