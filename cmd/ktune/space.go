package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ktune/internal/plan"
)

func spaceCmd() *cli.Command {
	var limit int64

	return &cli.Command{
		Name:      "space",
		Usage:     "Print the legal configurations of a plan",
		ArgsUsage: "<plan.hcl>",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "print at most N configurations (0 = all)",
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: a plan file is required", 1)
			}
			p, err := plan.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			job, err := p.Build()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			for _, prm := range job.Space.Parameters() {
				fmt.Printf("%s: %v\n", prm.Name, prm.Values)
			}
			total := job.Space.Size()
			fmt.Printf("\n%d legal configuration(s)\n\n", total)

			n := 0
			for cfg := range job.Space.All() {
				if limit > 0 && int64(n) >= limit {
					fmt.Printf("  ... %d more\n", total-n)
					break
				}
				fmt.Printf("  %s\n", cfg)
				n++
			}
			return nil
		},
	}
}
