package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ktune/internal/logger"
)

// fileConfig is loaded once before any command runs.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "ktune",
		Usage: "Kernel launch autotuner",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configPath())
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLogConfig(cmd, cfg)
			level := logger.ParseLevel(logLevel)
			if debug {
				level = logger.ParseLevel("debug")
			}
			log := logger.ForFormat(logFormat, os.Stderr, level)
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			tuneCmd(),
			spaceCmd(),
			sessionsCmd(),
			resultsCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
