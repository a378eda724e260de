package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/plan"
	"github.com/samcharles93/ktune/internal/runner"
)

func tuneCmd() *cli.Command {
	var (
		output string
		top    int64
	)

	flags := append(backendFlags(), archiveFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "no-archive",
			Usage:       "do not record the session",
			Destination: &noArchive,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "write every result as JSON lines to this file",
			Destination: &output,
		},
		&cli.Int64Flag{
			Name:        "top",
			Usage:       "print the N fastest configurations",
			Value:       5,
			Destination: &top,
		},
		&cli.DurationFlag{
			Name:        "progress",
			Usage:       "interval between progress logs",
			Value:       2 * time.Second,
			Destination: &progress,
		},
	)

	return &cli.Command{
		Name:      "tune",
		Usage:     "Tune a kernel described by a plan file",
		ArgsUsage: "<plan.hcl>",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyTuneConfig(cmd, fileConfig)

			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: a plan file is required", 1)
			}
			p, err := plan.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			var arch *archive.Archive
			if !noArchive {
				arch, err = archive.Open(archive.Options{Dir: archiveDir, Logger: log})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = arch.Close() }()
			}

			r := runner.New(runner.Options{
				Logger:   log,
				Archive:  arch,
				Backend:  backendName,
				Devices:  int(devices),
				Workers:  int(workers),
				Progress: progress,
			})
			run, err := r.Prepare(p)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			for _, d := range run.Devices() {
				log.Info("device", "index", d.Index, "name", d.Name, "max_work_group_size", d.MaxWorkGroupSize)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			store, runErr := run.Execute(ctx)

			if store == nil {
				return runErr
			}
			if run.Session.ID != "" {
				fmt.Printf("session %s\n", run.Session.ID)
			}
			results := store.Results()
			if b, ok := store.Best(run.Job.Config.Metric); ok {
				printSummary(os.Stdout, store.Summary(), &b, run.Job.Config.Metric)
			} else {
				printSummary(os.Stdout, store.Summary(), nil, run.Job.Config.Metric)
			}
			if top > 0 {
				printTop(os.Stdout, results, run.Job.Config.Metric, int(top))
			}
			if output != "" {
				if err := writeJSONL(output, results); err != nil {
					return cli.Exit(fmt.Sprintf("error: write %s: %v", output, err), 1)
				}
				log.Info("results written", "path", output, "count", len(results))
			}

			if errors.Is(runErr, context.Canceled) {
				log.Warn("tuning interrupted", "attempted", len(results))
				return nil
			}
			return runErr
		},
	}
}
