package prune

// Stage is the position of a block in the per-layer state machine.
type Stage int

const (
	Idle Stage = iota
	HooksRegistered
	ForwardCaptured
	HooksRemoved
	MetricComputed
	ResidualCorrection
	MaskApplied
	Repropagated
)

var stageNames = [...]string{
	Idle:               "idle",
	HooksRegistered:    "hooks_registered",
	ForwardCaptured:    "forward_captured",
	HooksRemoved:       "hooks_removed",
	MetricComputed:     "metric_computed",
	ResidualCorrection: "residual_correction",
	MaskApplied:        "mask_applied",
	Repropagated:       "repropagated",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Progress receives stage transitions. Calls happen on the pruning
// goroutine.
type Progress interface {
	LayerStage(layer, total int, stage Stage)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(layer, total int, stage Stage)

func (f ProgressFunc) LayerStage(layer, total int, stage Stage) { f(layer, total, stage) }
