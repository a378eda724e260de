package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/result"
)

func openArchive(cmd *cli.Command) (*archive.Archive, error) {
	applyArchiveConfig(cmd, fileConfig)
	return archive.Open(archive.Options{Dir: archiveDir})
}

func sessionsCmd() *cli.Command {
	return &cli.Command{
		Name:    "sessions",
		Aliases: []string{"ls"},
		Usage:   "List archived tuning sessions",
		Flags:   archiveFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			arch, err := openArchive(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = arch.Close() }()

			list, err := arch.Sessions()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(list) == 0 {
				fmt.Printf("no sessions in %s\n", archiveDir)
				return nil
			}
			printSessions(os.Stdout, list)
			fmt.Printf("\n%d session(s)\n", len(list))
			return nil
		},
	}
}

func resultsCmd() *cli.Command {
	var (
		format string
		top    int64
	)

	return &cli.Command{
		Name:      "results",
		Usage:     "Print the results of an archived session",
		ArgsUsage: "<session-id>",
		Flags: append(archiveFlags(),
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (table, jsonl)",
				Value:       "table",
				Destination: &format,
			},
			&cli.Int64Flag{
				Name:        "top",
				Usage:       "only the N fastest configurations (table format)",
				Destination: &top,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return cli.Exit("error: a session id is required", 1)
			}
			arch, err := openArchive(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = arch.Close() }()

			sess, err := arch.Session(id)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			results, err := arch.Results(id)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			switch format {
			case "jsonl":
				return result.WriteJSONL(os.Stdout, results)
			case "table":
				fmt.Printf("session %s (%s, plan %s, %s)\n", sess.ID, sess.State, sess.Plan, sess.Strategy)
				if sess.Error != "" {
					fmt.Printf("error: %s\n", sess.Error)
				}
				printSummary(os.Stdout, result.Summarize(results), sess.Best, sess.Metric)
				fmt.Println()
				if top > 0 {
					printTop(os.Stdout, results, sess.Metric, int(top))
				} else {
					printResults(os.Stdout, results)
				}
				return nil
			default:
				return cli.Exit(fmt.Sprintf("error: unknown format %q (expected table or jsonl)", format), 1)
			}
		},
	}
}
