package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lopper/internal/gradstats"
	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/metrics"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/safetensors"
	"github.com/samcharles93/lopper/internal/status"
)

var errNoSamples = errors.New("no gradient samples")

func gradientsCmd() *cli.Command {
	var (
		samplesDir string
		outDir     string
		scale      float64
		name       string
	)

	return &cli.Command{
		Name:  "gradients",
		Usage: "Aggregate per-sample gradients into l1/l2 statistics for gradient and gblm pruning",
		Flags: append(append(commonModelFlags(), statusFlags()...),
			&cli.StringFlag{
				Name:        "samples",
				Usage:       "directory of per-sample gradient safetensors, processed in name order",
				Required:    true,
				Destination: &samplesDir,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory for the aggregates",
				Value:       "gradients",
				Destination: &outDir,
			},
			&cli.Float64Flag{
				Name:        "scale",
				Usage:       "multiplier applied to every gradient before accumulation",
				Value:       gradstats.DefaultScale,
				Destination: &scale,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "model name used in the output file names (default: model directory name)",
				Destination: &name,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyGradientsConfig(c, LoadConfig(), &scale)
			ctx, log, err := setupLogging(ctx)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			files, err := sampleFiles(samplesDir)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(filepath.Clean(modelPath))
			}

			tracker := status.NewTracker("gradients")
			reg := metrics.New()
			if statusAddr != "" {
				status.NewServer(tracker, reg).Start(ctx, statusAddr)
			}

			m, err := openModel(0)
			if err != nil {
				tracker.Fail(err)
				return err
			}
			defer func() { _ = m.Close() }()

			tracker.SetPhase(status.PhaseGradients)
			agg := gradstats.NewAggregator(m, float32(scale), log)
			if err := accumulateFiles(ctx, log, m, agg, files, tracker, reg); err != nil {
				tracker.Fail(err)
				return err
			}
			if err := agg.Finalize(); err != nil {
				tracker.Fail(err)
				return err
			}
			tracker.SetPhase(status.PhaseSaving)
			if _, _, err := agg.Save(outDir, name); err != nil {
				tracker.Fail(err)
				return err
			}
			tracker.SetPhase(status.PhaseDone)
			return nil
		},
	}
}

// sampleFiles lists the .safetensors files of dir in name order. Sample
// files should be zero-padded so name order is sample order.
func sampleFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no .safetensors files in %s", errNoSamples, dir)
	}
	slices.Sort(files)
	return files, nil
}

func accumulateFiles(ctx context.Context, log logger.Logger, a model.Adapter, agg *gradstats.Aggregator,
	files []string, tracker *status.Tracker, reg *metrics.Metrics,
) error {
	defer gradstats.ClearGradients(a)
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := accumulateFile(a, agg, i+1, path); err != nil {
			return err
		}
		reg.GradientSample()
		tracker.SampleDone(i+1, len(files))
		log.Debug("gradient sample accumulated", "sample", i+1, "file", filepath.Base(path))
	}
	return nil
}

// accumulateFile attaches the gradients in path and folds them in as
// sample number sample.
func accumulateFile(a model.Adapter, agg *gradstats.Aggregator, sample int, path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	n, err := gradstats.AttachGradients(a, f)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w: no gradient matches a prunable weight", path, gradstats.ErrInvariant)
	}
	if err := agg.Accumulate(a, sample); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
