// Copyright 2025 DeliveryOps LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// estatesnap produces operational snapshots of a delivery estate and serves
// the control API over them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/deliveryops/estatesnap/pkg/api"
	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/scheduler"
	"github.com/deliveryops/estatesnap/pkg/snapshot"
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Delivery estate snapshot service.")
	configDir := app.Flag("config-dir", "Directory containing per-project YAML configuration.").
		Default("configs").String()
	dataDir := app.Flag("data-dir", "Directory for snapshots, progress and history stores.").
		Default("data").String()

	runCmd := app.Command("run", "Produce one snapshot and exit.")

	serveCmd := app.Command("serve", "Run the scheduler and the control API.")
	listenAddress := serveCmd.Flag("web.listen-address", "Address the control API listens on.").
		Default(":8090").String()
	interval := serveCmd.Flag("snapshot.interval", "Interval between automatic snapshot runs.").
		Default("30m").Duration()
	runTimeout := serveCmd.Flag("snapshot.run-timeout", "Timeout for a single snapshot run.").
		Default("1h").Duration()

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "parsing flags:", err)
		os.Exit(2)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn", "warning":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	creds, err := config.CredentialsFromEnv(os.Getenv)
	if err != nil {
		//nolint:errcheck
		level.Error(logger).Log("msg", "resolving credentials failed", "err", err)
		os.Exit(1)
	}
	projects, err := config.Load(*configDir)
	if err != nil {
		//nolint:errcheck
		level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}
	if len(projects) == 0 {
		//nolint:errcheck
		level.Error(logger).Log("msg", "no project configuration found", "dir", *configDir)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch cmd {
	case runCmd.FullCommand():
		pipe := snapshot.NewPipeline(snapshot.Options{
			Logger:   logger,
			Projects: projects,
			Creds:    creds,
			DataDir:  *dataDir,
			Registry: registry,
		})
		if _, err := pipe.Run(context.Background()); err != nil {
			//nolint:errcheck
			level.Error(logger).Log("msg", "snapshot run failed", "err", err)
			os.Exit(1)
		}

	case serveCmd.FullCommand():
		var sched *scheduler.Scheduler
		pipe := snapshot.NewPipeline(snapshot.Options{
			Logger:   logger,
			Projects: projects,
			Creds:    creds,
			DataDir:  *dataDir,
			Registry: registry,
			OnStep: func(step string) {
				if sched != nil {
					sched.SetStep(step)
				}
			},
		})
		sched = scheduler.New(func(ctx context.Context) error {
			_, err := pipe.Run(ctx)
			return err
		}, *dataDir, *interval, *runTimeout, logger)

		srv := api.New(api.Options{
			Logger:     logger,
			Scheduler:  sched,
			DataDir:    *dataDir,
			Projects:   projects,
			VCS:        pipe.VCS(),
			Tracker:    pipe.Tracker(),
			Owner:      pipe.Owner(),
			Registry:   registry,
			WindowDays: creds.TicketTrackerDays,
		})
		httpServer := &http.Server{Addr: *listenAddress, Handler: srv.Handler()}

		var g run.Group
		{
			ctx, cancel := context.WithCancel(context.Background())
			g.Add(func() error {
				return sched.Loop(ctx)
			}, func(error) {
				cancel()
			})
		}
		{
			g.Add(func() error {
				//nolint:errcheck
				level.Info(logger).Log("msg", "control API listening", "addr", *listenAddress)
				return httpServer.ListenAndServe()
			}, func(error) {
				//nolint:errcheck
				httpServer.Shutdown(context.Background())
			})
		}
		g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

		if err := g.Run(); err != nil {
			var sigErr run.SignalError
			if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
				//nolint:errcheck
				level.Info(logger).Log("msg", "shutting down", "reason", err)
				return
			}
			//nolint:errcheck
			level.Error(logger).Log("msg", "exited with error", "err", err)
			os.Exit(1)
		}
	}
}
