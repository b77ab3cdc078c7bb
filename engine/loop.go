package engine

import (
	"math"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/firedet/detrain/stats"
)

// Evaluator is implemented by trainers that can run an evaluation pass over
// the validation dataset. Evaluate fills the trainer's Metrics and reports
// the number of samples seen.
type Evaluator interface {
	Evaluate(status *Status) (sampleNum int, err error)
}

// Loop drives epochs and steps over a Trainer and invokes the callbacks at
// the hook points. In itself it does not do much; the attached callbacks
// provide logging, checkpointing and artifact generation.
type Loop struct {
	trainer   Trainer
	callbacks *Compose
	status    Status

	// globalStep is the id of the next training step across all epochs.
	globalStep int

	// stepDurations collected during training.
	stepDurations []time.Duration
}

// NewLoop creates a training loop over the trainer with the given callbacks
// attached (nils are skipped).
func NewLoop(trainer Trainer, callbacks ...Callback) *Loop {
	cfg := trainer.Config()
	return &Loop{
		trainer:   trainer,
		callbacks: NewCompose(callbacks...),
		status: Status{
			Mode:      ModeTrain,
			Meters:    stats.NewTrainingStats(stats.DefaultWindowSize),
			BatchTime: stats.NewSmoothedValue(cfg.LogIter),
			DataTime:  stats.NewSmoothedValue(cfg.LogIter),
		},
	}
}

// Status exposes the loop status, e.g. for a trainer that wants to seed
// fields such as EvalInterval before running.
func (loop *Loop) Status() *Status { return &loop.status }

// Run trains for the configured number of epochs, evaluating every
// snapshot_epoch when the trainer supports it so that best-model selection
// kicks in.
func (loop *Loop) Run() error {
	cfg := loop.trainer.Config()
	if err := loop.callbacks.OnTrainBegin(&loop.status); err != nil {
		return err
	}
	for epoch := 0; epoch < cfg.Epoch; epoch++ {
		loop.status.Mode = ModeTrain
		loop.status.EpochID = epoch
		loop.status.StepsPerEpoch = loop.trainer.StepsPerEpoch()
		if err := loop.callbacks.OnEpochBegin(&loop.status); err != nil {
			return err
		}
		if err := loop.runEpoch(); err != nil {
			return err
		}
		if err := loop.callbacks.OnEpochEnd(&loop.status); err != nil {
			return err
		}
		if (epoch+1)%cfg.SnapshotEpoch == 0 || epoch == cfg.Epoch-1 {
			if err := loop.runEval(); err != nil {
				return err
			}
		}
	}
	return loop.callbacks.OnTrainEnd(&loop.status)
}

func (loop *Loop) runEpoch() error {
	for step := 0; step < loop.status.StepsPerEpoch; step++ {
		loop.status.StepID = step
		// IterID holds the id of the current iteration, so that after the
		// epoch it still names the last completed one; the epoch-end hooks
		// gate their interval checks on it.
		loop.status.IterID = loop.globalStep
		if err := loop.callbacks.OnStepBegin(&loop.status); err != nil {
			return err
		}
		startTime := time.Now()
		losses, err := loop.trainer.TrainStep(&loop.status)
		if err != nil {
			return errors.WithMessagef(err, "TrainStep(epoch=%d, step=%d)", loop.status.EpochID, step)
		}
		elapsed := time.Since(startTime)
		loop.stepDurations = append(loop.stepDurations, elapsed)
		loop.status.BatchTime.Update(elapsed.Seconds())
		if loss, found := losses["loss"]; found {
			if math.IsNaN(loss) {
				return errors.Errorf("batch loss is NaN at epoch %d step %d, training interrupted",
					loop.status.EpochID, step)
			}
			if math.IsInf(loss, 0) {
				return errors.Errorf("batch loss is infinity (%f) at epoch %d step %d, training interrupted",
					loss, loop.status.EpochID, step)
			}
		}
		loop.status.Meters.Update(losses)
		if err := loop.callbacks.OnStepEnd(&loop.status); err != nil {
			return err
		}
		loop.globalStep++
	}
	return nil
}

// runEval runs one evaluation pass (when the trainer supports it) and
// invokes the epoch-end hooks in eval mode, which is where best-model
// selection happens.
func (loop *Loop) runEval() error {
	evaluator, ok := loop.trainer.(Evaluator)
	if !ok {
		return nil
	}
	savedMode := loop.status.Mode
	loop.status.Mode = ModeEval
	defer func() { loop.status.Mode = savedMode }()

	startTime := time.Now()
	sampleNum, err := evaluator.Evaluate(&loop.status)
	if err != nil {
		return errors.WithMessagef(err, "evaluation after epoch %d", loop.status.EpochID)
	}
	loop.status.SampleNum = sampleNum
	loop.status.CostTime = time.Since(startTime)
	loop.status.SaveBestModel = true
	defer func() { loop.status.SaveBestModel = false }()
	loop.status.EvalResults = mergedResults(loop.trainer.Metrics())
	return loop.callbacks.OnEpochEnd(&loop.status)
}

func mergedResults(metrics []Metric) map[string][]float64 {
	merged := make(map[string][]float64)
	for _, metric := range metrics {
		for key, values := range metric.Results() {
			merged[key] = values
		}
	}
	return merged
}

// MedianTrainStepDuration returns the median duration of the training steps
// run so far. It returns 1 millisecond if no step was recorded, to avoid
// divisions by zero downstream.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.stepDurations) == 0 {
		return time.Millisecond
	}
	durations := slices.Clone(loop.stepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}
