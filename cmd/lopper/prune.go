package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lopper/internal/calib"
	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/mask"
	"github.com/samcharles93/lopper/internal/metrics"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/prune"
	"github.com/samcharles93/lopper/internal/status"
	"github.com/samcharles93/lopper/internal/tokenizer"
)

func pruneCmd() *cli.Command {
	var (
		calibPath    string
		strategy     string
		ratio        float64
		sparsityType string
		nsamples     int64
		seed         int64
		seqLen       int64
		gradientPath string
		gradientInv  bool
		useVariant   bool
		percdamp     float64
		blocksize    int64
		savePath     string
		reportPath   string
	)

	return &cli.Command{
		Name:  "prune",
		Usage: "Prune every decoder block of a checkpoint",
		Flags: append(append(commonModelFlags(), statusFlags()...),
			&cli.StringFlag{
				Name:        "calib",
				Usage:       "calibration corpus: JSONL of input_ids, or of text encoded with the checkpoint tokenizer",
				Destination: &calibPath,
			},
			&cli.StringFlag{
				Name:        "strategy",
				Aliases:     []string{"prune-method"},
				Usage:       "magnitude, gradient, wanda, gblm or sparsegpt",
				Value:       string(prune.Wanda),
				Destination: &strategy,
			},
			&cli.Float64Flag{
				Name:        "sparsity-ratio",
				Aliases:     []string{"sparsity"},
				Usage:       "fraction of weights to remove (unstructured)",
				Value:       0.5,
				Destination: &ratio,
			},
			&cli.StringFlag{
				Name:        "sparsity-type",
				Usage:       "unstructured or n:m (e.g. 2:4)",
				Value:       "unstructured",
				Destination: &sparsityType,
			},
			&cli.Int64Flag{
				Name:        "nsamples",
				Usage:       "number of calibration sequences",
				Value:       prune.DefaultSamples,
				Destination: &nsamples,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "calibration sampling seed",
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "seqlen",
				Usage:       "calibration sequence length (default: model context, capped)",
				Destination: &seqLen,
			},
			&cli.StringFlag{
				Name:        "gradient-path",
				Usage:       "gradient aggregate written by `lopper gradients` (gradient, gblm)",
				Destination: &gradientPath,
			},
			&cli.BoolFlag{
				Name:        "gradient-inv",
				Usage:       "divide by gradient magnitude instead of multiplying",
				Destination: &gradientInv,
			},
			&cli.BoolFlag{
				Name:        "use-variant",
				Usage:       "adaptive per-row threshold for wanda and gblm",
				Destination: &useVariant,
			},
			&cli.Float64Flag{
				Name:        "percdamp",
				Usage:       "sparsegpt Hessian dampening, as a fraction of the mean diagonal",
				Value:       prune.DefaultPercDamp,
				Destination: &percdamp,
			},
			&cli.Int64Flag{
				Name:        "blocksize",
				Usage:       "sparsegpt column block size",
				Value:       prune.DefaultBlockSize,
				Destination: &blocksize,
			},
			&cli.StringFlag{
				Name:        "save",
				Usage:       "directory for the pruned checkpoint",
				Destination: &savePath,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the run report as JSON to this file",
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyPruneConfig(c, LoadConfig(), pruneSettings{
				strategy:     &strategy,
				ratio:        &ratio,
				sparsityType: &sparsityType,
				nsamples:     &nsamples,
				seed:         &seed,
				percdamp:     &percdamp,
				blocksize:    &blocksize,
			})
			ctx, log, err := setupLogging(ctx)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := prune.ParseStrategy(strategy)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			pattern, err := mask.ParsePattern(sparsityType)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			opts := prune.Options{
				Strategy:      st,
				SparsityRatio: ratio,
				Pattern:       pattern,
				NSamples:      int(nsamples),
				Seed:          uint64(seed),
				SeqLen:        int(seqLen),
				GradientPath:  gradientPath,
				GradientInv:   gradientInv,
				UseVariant:    useVariant,
				PercDamp:      percdamp,
				BlockSize:     int(blocksize),
				DefaultDevice: model.Device(defaultDevice),
			}
			if err := opts.Validate(); err != nil {
				return cli.Exit(err.Error(), 2)
			}
			if st.Calibrated() && calibPath == "" {
				return cli.Exit(fmt.Sprintf("--calib is required for %s", st), 2)
			}

			tracker := status.NewTracker(string(st))
			reg := metrics.New()
			if statusAddr != "" {
				status.NewServer(tracker, reg).Start(ctx, statusAddr)
			}

			rep, err := runPrune(ctx, log, tracker, reg, opts, calibPath, savePath)
			if err != nil {
				tracker.Fail(err)
				return err
			}
			tracker.SetPhase(status.PhaseDone)
			if reportPath != "" {
				return writeJSON(reportPath, rep)
			}
			return nil
		},
	}
}

func runPrune(ctx context.Context, log logger.Logger, tracker *status.Tracker, reg *metrics.Metrics,
	opts prune.Options, calibPath, savePath string,
) (*prune.Report, error) {
	start := time.Now()
	m, err := openModel(opts.SeqLen)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()
	log.Info("model loaded",
		"family", m.Family().String(),
		"layers", len(m.Layers()),
		"dtype", string(m.DType()),
		"elapsed", time.Since(start))

	r := &prune.Runner{
		Adapter:  m,
		Options:  opts,
		Logger:   log,
		Metrics:  reg,
		Progress: tracker,
	}

	var batch [][]int
	if opts.Strategy.Calibrated() {
		tracker.SetPhase(status.PhaseCalibrating)
		enc, err := corpusEncoder(modelPath)
		if err != nil {
			return nil, err
		}
		loader, err := calib.LoadCorpus(calibPath, enc)
		if err != nil {
			return nil, err
		}
		batch, err = r.SampleCalibration(loader)
		if err != nil {
			return nil, err
		}
		log.Info("calibration sampled", "samples", len(batch), "seqlen", r.SeqLen())
	}

	rep, err := r.Run(ctx, batch)
	if err != nil {
		if errors.Is(err, context.Canceled) && rep != nil {
			log.Warn("pruning interrupted", "layers_done", len(rep.Layers))
		}
		return rep, err
	}

	if savePath != "" {
		tracker.SetPhase(status.PhaseSaving)
		if err := m.Save(savePath); err != nil {
			return rep, fmt.Errorf("save %s: %w", savePath, err)
		}
		log.Info("pruned checkpoint saved", "path", savePath)
	}
	return rep, nil
}

// corpusEncoder loads the checkpoint tokenizer for text corpora. It returns
// nil when the checkpoint ships none, leaving only pre-tokenized corpora
// usable.
func corpusEncoder(dir string) (calib.Encoder, error) {
	if _, err := os.Stat(filepath.Join(dir, "tokenizer.json")); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return tok, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
