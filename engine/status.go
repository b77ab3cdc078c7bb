package engine

import (
	"time"

	"github.com/firedet/detrain/stats"
)

// Mode is the phase of the run a hook is observing.
type Mode string

// Run phases.
const (
	ModeTrain Mode = "train"
	ModeEval  Mode = "eval"
	ModeTest  Mode = "test"
)

// Status is the snapshot passed to every callback hook. It is owned by the
// Loop: callbacks read from it during a hook call and must not retain it.
type Status struct {
	// Mode the loop is currently in.
	Mode Mode

	// EpochID is the current epoch, starting at 0.
	EpochID int

	// StepID is the current step within the epoch, starting at 0.
	StepID int

	// IterID is the global iteration across all epochs, starting at 0. On
	// epoch-end hooks it names the last completed iteration.
	IterID int

	// StepsPerEpoch for the current dataset.
	StepsPerEpoch int

	// LearningRate of the last training step.
	LearningRate float64

	// Meters holds the smoothed loss meters updated every training step.
	Meters *stats.TrainingStats

	// BatchTime and DataTime track the per-step compute and data-loading
	// costs, in seconds.
	BatchTime *stats.SmoothedValue
	DataTime  *stats.SmoothedValue

	// SampleNum and CostTime describe the finished evaluation pass; only
	// meaningful on epoch-end hooks in eval mode.
	SampleNum int
	CostTime  time.Duration

	// EvalResults maps metric keys ("bbox", "keypoint", "mask", ...) to
	// their values, first value being the headline AP.
	EvalResults map[string][]float64

	// SaveBestModel asks the checkpointers to consider a best-model save on
	// this eval epoch end.
	SaveBestModel bool

	// ExchangeSaveModel swaps the roles of raw and EMA weights when saving:
	// in dense-teacher semi-supervised training the EMA (teacher) model is
	// the better one and goes into the main weights file.
	ExchangeSaveModel bool

	// EvalInterval and SaveInterval are the iteration periods used by the
	// semi-supervised callbacks.
	EvalInterval int
	SaveInterval int
}
