package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ktune/internal/api"
	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/metrics"
	"github.com/samcharles93/ktune/internal/runner"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(backendFlags(), archiveFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.DurationFlag{
			Name:        "progress",
			Usage:       "interval between progress logs",
			Value:       10 * time.Second,
			Destination: &progress,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sessions API and Prometheus metrics",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr)

			arch, err := archive.Open(archive.Options{Dir: archiveDir, Logger: log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = arch.Close() }()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			r := runner.New(runner.Options{
				Logger:   log,
				Archive:  arch,
				Metrics:  m,
				Backend:  backendName,
				Devices:  int(devices),
				Workers:  int(workers),
				Progress: progress,
			})
			server := api.NewServer(ctx, api.Config{Archive: arch, Runner: r, Metrics: m, Logger: log})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "archive", archiveDir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			err = sc.Start(ctx, e)
			if n := server.Running(); n > 0 {
				log.Info("waiting for sessions to stop", "running", n)
			}
			server.Wait()
			return err
		},
	}
}
