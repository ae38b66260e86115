// Package status reports the progress of a running job over HTTP.
package status

import (
	"sync"
	"time"

	"github.com/samcharles93/lopper/internal/prune"
)

// Phase is the coarse state of a job.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseCalibrating Phase = "calibrating"
	PhasePruning     Phase = "pruning"
	PhaseGradients   Phase = "gradients"
	PhaseSaving      Phase = "saving"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Snapshot is a point-in-time copy of the job state.
type Snapshot struct {
	Job      string    `json:"job"`
	Phase    Phase     `json:"phase"`
	Layer    int       `json:"layer"`
	Layers   int       `json:"layers"`
	Stage    string    `json:"stage,omitempty"`
	Sample   int       `json:"sample,omitempty"`
	Samples  int       `json:"samples,omitempty"`
	Started  time.Time `json:"started"`
	Updated  time.Time `json:"updated"`
	Error    string    `json:"error,omitempty"`
	Finished bool      `json:"finished"`
}

// Tracker records job progress. It is safe for concurrent use: the job
// writes while HTTP handlers read.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

var _ prune.Progress = (*Tracker)(nil)

// NewTracker starts tracking a job.
func NewTracker(job string) *Tracker {
	t := &Tracker{now: time.Now}
	now := t.now()
	t.snap = Snapshot{Job: job, Phase: PhaseStarting, Layer: -1, Started: now, Updated: now}
	return t
}

// LayerStage implements prune.Progress.
func (t *Tracker) LayerStage(layer, total int, stage prune.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = PhasePruning
	t.snap.Layer, t.snap.Layers = layer, total
	t.snap.Stage = stage.String()
	t.snap.Updated = t.now()
}

// SetPhase moves the job to p.
func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = p
	t.snap.Updated = t.now()
	if p == PhaseDone {
		t.snap.Finished = true
	}
}

// SampleDone records progress through a per-sample loop.
func (t *Tracker) SampleDone(sample, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Sample, t.snap.Samples = sample, total
	t.snap.Updated = t.now()
}

// Fail marks the job failed with err.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = PhaseFailed
	t.snap.Finished = true
	if err != nil {
		t.snap.Error = err.Error()
	}
	t.snap.Updated = t.now()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
