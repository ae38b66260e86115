package prune

import (
	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/model"
)

// SparsityReport is the fraction of exactly-zero weights over the prunable
// sublayers of a model.
type SparsityReport struct {
	Layers []float64 `json:"layers"`
	Global float64   `json:"global"`
	Zeros  int       `json:"zeros"`
	Params int       `json:"params"`
}

// CheckSparsity counts zero weights per block and overall.
func CheckSparsity(a model.Adapter, log logger.Logger) SparsityReport {
	if log == nil {
		log = logger.Discard()
	}
	var rep SparsityReport
	for i, b := range a.Layers() {
		zeros, params := blockZeros(b)
		frac := 0.0
		if params > 0 {
			frac = float64(zeros) / float64(params)
		}
		rep.Layers = append(rep.Layers, frac)
		rep.Zeros += zeros
		rep.Params += params
		log.Info("layer sparsity", "layer", i, "sparsity", frac)
	}
	if rep.Params > 0 {
		rep.Global = float64(rep.Zeros) / float64(rep.Params)
	}
	return rep
}

func blockZeros(b model.Block) (zeros, params int) {
	for _, s := range b.Sublayers() {
		zeros += s.Weight.CountZeros()
		params += s.Weight.Len()
	}
	return zeros, params
}
