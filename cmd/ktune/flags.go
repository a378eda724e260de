package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	backendName string
	devices     int64
	workers     int64
	archiveDir  string
	noArchive   bool
	progress    time.Duration
	logLevel    string
	logFormat   string
	debug       bool
)

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "execution backend (auto, cpu, cuda, sim); overrides the plan",
			Destination: &backendName,
		},
		&cli.Int64Flag{
			Name:        "devices",
			Usage:       "number of devices to tune on in parallel; overrides the plan",
			Destination: &devices,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "work-group workers of the cpu backend (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func archiveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "archive",
			Usage:       "session archive directory",
			Value:       defaultArchiveDir(),
			Destination: &archiveDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
