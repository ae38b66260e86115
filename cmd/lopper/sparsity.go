package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lopper/internal/prune"
)

func sparsityCmd() *cli.Command {
	var reportPath string

	return &cli.Command{
		Name:  "sparsity",
		Usage: "Report the fraction of zero weights per decoder block",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the sparsity report as JSON to this file",
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyCommonConfig(c, LoadConfig())
			_, log, err := setupLogging(ctx)
			if err != nil {
				return err
			}
			m, err := openModel(0)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			rep := prune.CheckSparsity(m, log)
			fmt.Printf("sparsity: %.4f (%d / %d weights)\n", rep.Global, rep.Zeros, rep.Params)
			if reportPath != "" {
				return writeJSON(reportPath, rep)
			}
			return nil
		},
	}
}
