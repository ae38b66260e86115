package prune

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/lopper/internal/calib"
	"github.com/samcharles93/lopper/internal/gradstats"
	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/mask"
	"github.com/samcharles93/lopper/internal/metrics"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/stats"
	"github.com/samcharles93/lopper/internal/tensor"
)

// Runner prunes every block of Adapter in place.
type Runner struct {
	Adapter model.Adapter
	Options Options

	// Gradients supplies gradient statistics for gradient and gblm. When
	// nil they are loaded from Options.GradientPath.
	Gradients *gradstats.Store

	// Logger defaults to the logger carried by the context.
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Progress Progress
}

// SublayerReport summarizes one pruned sublayer.
type SublayerReport struct {
	Name   string `json:"name"`
	Pruned int    `json:"pruned"`
	Total  int    `json:"total"`
	// Alpha and Converged are set by the adaptive variant.
	Alpha     *float64 `json:"alpha,omitempty"`
	Converged *bool    `json:"converged,omitempty"`
}

// LayerReport summarizes one block.
type LayerReport struct {
	Index     int              `json:"index"`
	Device    string           `json:"device"`
	Sparsity  float64          `json:"sparsity"`
	Duration  time.Duration    `json:"duration_ns"`
	Sublayers []SublayerReport `json:"sublayers"`
}

// Report is the outcome of a run.
type Report struct {
	RunID    string        `json:"run_id"`
	Strategy Strategy      `json:"strategy"`
	Ratio    float64       `json:"sparsity_ratio"`
	Pattern  string        `json:"pattern"`
	Samples  int           `json:"samples"`
	SeqLen   int           `json:"seqlen"`
	Layers   []LayerReport `json:"layers"`
	Sparsity float64       `json:"sparsity"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// SeqLen returns the calibration length the run will use.
func (r *Runner) SeqLen() int {
	if r.Options.SeqLen > 0 {
		return r.Options.SeqLen
	}
	return r.Adapter.SeqLen()
}

// SampleCalibration draws Options.NSamples windows of SeqLen tokens from l
// using Options.Seed.
func (r *Runner) SampleCalibration(l *calib.Loader) ([][]int, error) {
	opts := r.Options.WithDefaults()
	return l.Sample(opts.NSamples, opts.Seed, r.SeqLen())
}

// Run prunes the model. batch holds the calibration token windows and is
// ignored by strategies that do not observe activations. Cancellation is
// checked between blocks; a cancelled run leaves every finished block
// pruned and the rest untouched.
func (r *Runner) Run(ctx context.Context, batch [][]int) (*Report, error) {
	opts := r.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := r.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	runID := uuid.New()
	log = log.With("run_id", runID.String(), "strategy", string(opts.Strategy))
	ctx = logger.WithContext(ctx, log)

	grads, err := r.gradients(opts)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:    runID.String(),
		Strategy: opts.Strategy,
		Ratio:    opts.SparsityRatio,
		Pattern:  opts.Pattern.String(),
	}
	start := time.Now()
	lp := &layerPruner{
		opts:     opts,
		grads:    grads,
		log:      log,
		metrics:  r.Metrics,
		progress: r.Progress,
		total:    len(r.Adapter.Layers()),
	}

	if opts.Strategy.Calibrated() {
		if len(batch) == 0 {
			return nil, fmt.Errorf("%w: %s needs calibration samples", ErrOptions, opts.Strategy)
		}
		rep.Samples, rep.SeqLen = len(batch), len(batch[0])
		r.Metrics.Calibration(len(batch))
		err = r.runCalibrated(ctx, lp, batch, rep)
	} else {
		err = r.runStatic(ctx, lp, rep)
	}
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, err
	}

	sp := CheckSparsity(r.Adapter, logger.Discard())
	rep.Sparsity = sp.Global
	log.Info("pruning finished", "sparsity", sp.Global, "layers", len(rep.Layers), "elapsed", rep.Elapsed)
	return rep, nil
}

func (r *Runner) gradients(opts Options) (*gradstats.Store, error) {
	if !opts.Strategy.UsesGradients() {
		return nil, nil
	}
	store := r.Gradients
	if store == nil {
		if opts.GradientPath == "" {
			return nil, fmt.Errorf("%w: %s needs gradient statistics", ErrOptions, opts.Strategy)
		}
		var err error
		if store, err = gradstats.Load(opts.GradientPath); err != nil {
			return nil, err
		}
	}
	// Every entry must exist before any weight changes.
	for i, b := range r.Adapter.Layers() {
		for _, s := range b.Sublayers() {
			g, err := store.Lookup(s.Name, i)
			if err != nil {
				return nil, err
			}
			if !g.SameShape(s.Weight) {
				return nil, fmt.Errorf("%w: gradient %s is %s, weight is %s", model.ErrConfig,
					model.SublayerKey(s.Name, i), g.Shape(), s.Weight.Shape())
			}
		}
	}
	return store, nil
}

// runStatic prunes from weights and stored gradients only.
func (r *Runner) runStatic(ctx context.Context, lp *layerPruner, rep *Report) error {
	for i, b := range r.Adapter.Layers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		dev := r.layerDevice(i, lp.opts)
		started := time.Now()
		lp.stage(i, Idle)
		subs, err := lp.pruneStatic(i, b)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		rep.Layers = append(rep.Layers, lp.finishLayer(i, b, dev, started, subs))
		lp.stage(i, Idle)
	}
	return nil
}

// runCalibrated threads calibration activations through the blocks.
func (r *Runner) runCalibrated(ctx context.Context, lp *layerPruner, batch [][]int, rep *Report) error {
	snap, err := calib.CaptureFirstLayerInput(ctx, r.Adapter, batch)
	if err != nil {
		return err
	}
	buf := calib.NewBuffers(snap, r.Adapter.DType())
	defer buf.Release()

	for i, b := range r.Adapter.Layers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		dev := r.layerDevice(i, lp.opts)
		buf.To(dev)
		started := time.Now()
		lp.stage(i, Idle)
		lp.log.Info("pruning layer", "layer", i, "device", string(dev))

		subs, err := lp.pruneCalibrated(i, b, buf)
		if err != nil {
			if errors.Is(err, stats.ErrNumerical) {
				r.Metrics.NumericalFailure()
			}
			return fmt.Errorf("layer %d: %w", i, err)
		}

		if err := forwardAll(b, buf, nil); err != nil {
			return fmt.Errorf("layer %d: repropagate: %w", i, err)
		}
		lp.stage(i, Repropagated)
		buf.Swap()

		rep.Layers = append(rep.Layers, lp.finishLayer(i, b, dev, started, subs))
		lp.stage(i, Idle)
	}
	return nil
}

func (r *Runner) layerDevice(i int, opts Options) model.Device {
	d, ok := r.Adapter.LayerDevice(i)
	if !ok && opts.DefaultDevice != "" {
		return opts.DefaultDevice
	}
	return d
}

// forwardAll runs b over every buffered input and stores the outputs.
func forwardAll(b model.Block, buf *calib.Buffers, obs model.ObserverSet) error {
	for j := range buf.Len() {
		out, err := b.Forward(buf.In[j], buf.Context, obs)
		if err != nil {
			return fmt.Errorf("sample %d: %w", j, err)
		}
		if err := buf.SetOut(j, out); err != nil {
			return err
		}
	}
	return nil
}

// layerPruner holds the per-run state shared by every block.
type layerPruner struct {
	opts     Options
	grads    *gradstats.Store
	log      logger.Logger
	metrics  *metrics.Metrics
	progress Progress
	total    int
}

func (lp *layerPruner) stage(layer int, s Stage) {
	lp.log.Debug("layer stage", "layer", layer, "stage", s.String())
	if lp.progress != nil {
		lp.progress.LayerStage(layer, lp.total, s)
	}
}

func (lp *layerPruner) finishLayer(i int, b model.Block, dev model.Device, started time.Time, subs []SublayerReport) LayerReport {
	zeros, params := blockZeros(b)
	frac := 0.0
	if params > 0 {
		frac = float64(zeros) / float64(params)
	}
	pruned := 0
	for _, s := range subs {
		pruned += s.Pruned
	}
	elapsed := time.Since(started)
	lp.metrics.LayerDone(string(lp.opts.Strategy), i, elapsed.Seconds(), frac, pruned)
	lp.log.Info("layer done", "layer", i, "sparsity", frac, "elapsed", elapsed)
	return LayerReport{Index: i, Device: string(dev), Sparsity: frac, Duration: elapsed, Sublayers: subs}
}

// pruneStatic handles magnitude and gradient, which need no activations.
func (lp *layerPruner) pruneStatic(i int, b model.Block) ([]SublayerReport, error) {
	subs := b.Sublayers()
	metricsFor := make([]*tensor.Mat, len(subs))
	for k, s := range subs {
		switch lp.opts.Strategy {
		case Magnitude:
			metricsFor[k] = magnitudeMetric(s.Weight)
		case Gradient:
			g, err := lp.grads.Lookup(s.Name, i)
			if err != nil {
				return nil, err
			}
			if metricsFor[k], err = gradientMetric(s.Weight, g, lp.opts.GradientInv); err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name, err)
			}
		default:
			return nil, fmt.Errorf("%w: %s is not a static strategy", ErrOptions, lp.opts.Strategy)
		}
	}
	lp.stage(i, MetricComputed)
	out, err := lp.applyMasks(i, subs, metricsFor)
	if err != nil {
		return nil, err
	}
	lp.stage(i, MaskApplied)
	return out, nil
}

// pruneCalibrated observes the block, prunes it and leaves the buffers
// ready for repropagation.
func (lp *layerPruner) pruneCalibrated(i int, b model.Block, buf *calib.Buffers) ([]SublayerReport, error) {
	subs := b.Sublayers()
	obs := make(model.ObserverSet, len(subs))
	acts := make(map[string]*stats.ActivationStats, len(subs))
	hessians := make(map[string]*stats.Hessian, len(subs))
	for _, s := range subs {
		if lp.opts.Strategy == SparseGPT {
			h := stats.NewHessian(s)
			hessians[s.Name] = h
			obs[s.Name] = h
		} else {
			a := stats.NewActivationStats(s)
			acts[s.Name] = a
			obs[s.Name] = a
		}
	}
	lp.stage(i, HooksRegistered)

	if err := forwardAll(b, buf, obs); err != nil {
		return nil, fmt.Errorf("calibration forward: %w", err)
	}
	lp.stage(i, ForwardCaptured)
	clear(obs)
	lp.stage(i, HooksRemoved)

	if lp.opts.Strategy == SparseGPT {
		return lp.reconstruct(i, subs, hessians)
	}

	metricsFor := make([]*tensor.Mat, len(subs))
	for k, s := range subs {
		scaler := acts[s.Name].ScalerRow()
		var err error
		switch lp.opts.Strategy {
		case Wanda:
			metricsFor[k], err = activationMetric(s.Weight, scaler)
		case GBLM:
			var g *tensor.Mat
			if g, err = lp.grads.Lookup(s.Name, i); err == nil {
				metricsFor[k], err = hybridMetric(s.Weight, scaler, g, lp.opts.GradientInv)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	clear(acts)
	lp.stage(i, MetricComputed)
	out, err := lp.applyMasks(i, subs, metricsFor)
	if err != nil {
		return nil, err
	}
	lp.stage(i, MaskApplied)
	return out, nil
}

// reconstruct runs the second-order update on every sublayer and releases
// each Gram matrix as soon as its sublayer is done.
func (lp *layerPruner) reconstruct(i int, subs []*model.Sublayer, hessians map[string]*stats.Hessian) ([]SublayerReport, error) {
	lp.stage(i, MetricComputed)
	lp.stage(i, ResidualCorrection)
	defer func() {
		for _, h := range hessians {
			h.Free()
		}
	}()
	out := make([]SublayerReport, 0, len(subs))
	for _, s := range subs {
		h := hessians[s.Name]
		before := s.Weight.CountZeros()
		lp.log.Debug("reconstructing", "layer", i, "sublayer", s.Name, "rows", h.Samples())
		err := h.FasterPrune(lp.opts.SparsityRatio, lp.opts.Pattern.N, lp.opts.Pattern.M, lp.opts.PercDamp, lp.opts.BlockSize)
		h.Free()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		out = append(out, SublayerReport{
			Name:   s.Name,
			Pruned: max(s.Weight.CountZeros()-before, 0),
			Total:  s.Weight.Len(),
		})
	}
	lp.stage(i, MaskApplied)
	return out, nil
}

// applyMasks solves and applies one mask per sublayer.
func (lp *layerPruner) applyMasks(i int, subs []*model.Sublayer, metricsFor []*tensor.Mat) ([]SublayerReport, error) {
	out := make([]SublayerReport, 0, len(subs))
	for k, s := range subs {
		m, rep, err := lp.solve(metricsFor[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		if rep.Alpha != nil {
			lp.log.Info("alpha found", "layer", i, "sublayer", s.Name, "alpha", *rep.Alpha, "sparsity", m.Sparsity())
		}
		n, err := m.Apply(s.Weight)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		rep.Name, rep.Pruned, rep.Total = s.Name, n, s.Weight.Len()
		lp.log.Debug("sublayer pruned", "layer", i, "sublayer", s.Name, "pruned", n, "total", rep.Total)
		out = append(out, rep)
	}
	return out, nil
}

// solve picks the mask policy for the strategy: N:M when a pattern is
// set, one global threshold for magnitude, the adaptive search for the
// wanda and gblm variant, and a per-row threshold otherwise.
func (lp *layerPruner) solve(metric *tensor.Mat) (*mask.Mask, SublayerReport, error) {
	var rep SublayerReport
	switch {
	case lp.opts.Pattern.Structured():
		m, err := mask.NM(metric, lp.opts.Pattern.N, lp.opts.Pattern.M)
		return m, rep, err
	case lp.opts.Strategy == Magnitude:
		m, err := mask.GlobalThreshold(metric, lp.opts.SparsityRatio)
		return m, rep, err
	case lp.opts.UseVariant && (lp.opts.Strategy == Wanda || lp.opts.Strategy == GBLM):
		m, res, err := mask.Adaptive(metric, lp.opts.SparsityRatio)
		if err != nil {
			return nil, rep, err
		}
		lp.metrics.AdaptiveSearch(res.Iterations)
		rep.Alpha, rep.Converged = &res.Alpha, &res.Converged
		return m, rep, nil
	default:
		m, err := mask.RowWise(metric, lp.opts.SparsityRatio)
		return m, rep, err
	}
}
