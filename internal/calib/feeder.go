package calib

import (
	"context"
	"fmt"

	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

// Snapshot holds the hidden states entering the first block, one
// [seqLen, hidden] matrix per calibration sample, plus the shared forward
// context.
type Snapshot struct {
	Inputs  []*tensor.Mat
	Context *model.ForwardContext
}

// CaptureFirstLayerInput runs only the embedding path of a for every
// sequence in batch. No block is evaluated. All sequences must have the
// same length.
func CaptureFirstLayerInput(ctx context.Context, a model.Adapter, batch [][]int) (*Snapshot, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty calibration batch", ErrCorpus)
	}
	seqLen := len(batch[0])
	for i, seq := range batch {
		if len(seq) != seqLen || seqLen == 0 {
			return nil, fmt.Errorf("%w: sequence %d has %d tokens, want %d", ErrCorpus, i, len(seq), seqLen)
		}
	}
	hidden := a.HiddenSize()
	if hidden <= 0 {
		return nil, fmt.Errorf("%w: hidden size unavailable", model.ErrConfig)
	}

	fc, err := a.ForwardContext(seqLen)
	if err != nil {
		return nil, err
	}
	fc.UseCache = false
	fc.Device = a.EmbeddingDevice()

	snap := &Snapshot{Inputs: make([]*tensor.Mat, len(batch)), Context: fc}
	for i, seq := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err := a.Embed(seq)
		if err != nil {
			return nil, fmt.Errorf("embed sample %d: %w", i, err)
		}
		if x.R != seqLen || x.C != hidden {
			return nil, fmt.Errorf("%w: embedding of sample %d is %s, want [%d %d]", model.ErrConfig, i, x.Shape(), seqLen, hidden)
		}
		x.RoundTo(a.DType())
		snap.Inputs[i] = x
	}
	logger.FromContext(ctx).Debug("captured first layer inputs",
		"samples", len(batch), "seqlen", seqLen, "hidden", hidden, "device", string(fc.Device))
	return snap, nil
}
