package engine

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/firedet/detrain/checkpoints"
	"github.com/firedet/detrain/distributed"
)

// SemiLogPrinter is the LogPrinter variant for semi-supervised training,
// where progress is tracked in global iterations rather than epochs.
type SemiLogPrinter struct {
	CallbackBase
	trainer  Trainer
	logRanks []int
}

// NewSemiLogPrinter creates a SemiLogPrinter for the trainer.
func NewSemiLogPrinter(trainer Trainer) *SemiLogPrinter {
	logRanks, err := distributed.ParseLogRanks(trainer.Config().LogRanks)
	if err != nil {
		klog.Warningf("ignoring malformed log_ranks: %v", err)
	}
	return &SemiLogPrinter{trainer: trainer, logRanks: logRanks}
}

func (lp *SemiLogPrinter) OnStepEnd(status *Status) error {
	if !distributed.ShouldLog(lp.logRanks) {
		return nil
	}
	cfg := lp.trainer.Config()
	switch status.Mode {
	case ModeTrain:
		if status.StepID%cfg.LogIter != 0 {
			return nil
		}
		totalIters := cfg.Epoch * status.StepsPerEpoch
		etaSteps := (cfg.Epoch-status.EpochID)*status.StepsPerEpoch - status.StepID
		eta := time.Duration(float64(etaSteps)*status.BatchTime.GlobalAvg()) * time.Second
		ips := float64(cfg.TrainReader.BatchSize) / status.BatchTime.Avg()
		width := len(strconv.Itoa(totalIters))
		klog.Infof("%*d/%d iters Epoch: [%d] [%*d/%d] learning_rate: %.6f %s eta: %s batch_cost: %s data_cost: %s ips: %.4f images/s",
			width, status.IterID, totalIters,
			status.EpochID, width, status.StepID, status.StepsPerEpoch,
			status.LearningRate, status.Meters.Log(), eta.Truncate(time.Second),
			status.BatchTime, status.DataTime, ips)
	case ModeEval:
		if status.StepID%100 == 0 {
			klog.Infof("Eval iter: %d", status.StepID)
		}
	}
	return nil
}

// SemiCheckpointer saves teacher/student weight pairs during semi-supervised
// training: a rolling "last_epoch" save every save_interval iterations, and
// a "best_model" save when the teacher improves on evaluation.
type SemiCheckpointer struct {
	CallbackBase
	trainer Trainer
	semi    HasTeacherStudent
	handler *checkpoints.Handler
	bestAP  float64
}

// NewSemiCheckpointer creates the semi-supervised checkpointing callback.
// The trainer's model must expose both a teacher and a student sub-model.
// Saves go under "<save_dir>/<filename>".
func NewSemiCheckpointer(trainer Trainer) (*SemiCheckpointer, error) {
	semi, ok := trainer.(HasTeacherStudent)
	if !ok {
		return nil, errors.Errorf("trainer %T provides no teacher and student sub-models", trainer)
	}
	cfg := trainer.Config()
	handler, err := checkpoints.Build(filepath.Join(cfg.SaveDir, cfg.Filename)).Done()
	if err != nil {
		return nil, errors.WithMessage(err, "creating SemiCheckpointer")
	}
	return &SemiCheckpointer{
		trainer: trainer,
		semi:    semi,
		handler: handler,
	}, nil
}

// Handler exposes the underlying checkpoints handler.
func (c *SemiCheckpointer) Handler() *checkpoints.Handler { return c.handler }

// BestAP returns the best teacher metric value observed so far.
func (c *SemiCheckpointer) BestAP() float64 { return c.bestAP }

// everyNIters reports whether iter (0-based) closes a period of n
// iterations. Never true for n <= 0.
func everyNIters(iter, n int) bool {
	if n <= 0 {
		return false
	}
	return (iter+1)%n == 0
}

func (c *SemiCheckpointer) OnStepEnd(status *Status) error {
	if !distributed.IsPrimary() {
		return nil
	}
	if status.Mode != ModeTrain || !everyNIters(status.IterID, status.SaveInterval) {
		return nil
	}
	err := c.handler.SaveSemiModel(
		c.semi.TeacherState(), c.semi.StudentState(), c.trainer.OptimizerState(),
		"last_epoch", status.EpochID+1, status.IterID+1)
	return errors.WithMessage(err, "saving rolling semi-supervised checkpoint")
}

func (c *SemiCheckpointer) OnEpochEnd(status *Status) error {
	if !distributed.IsPrimary() {
		return nil
	}
	if status.Mode != ModeEval || !everyNIters(status.IterID, status.EvalInterval) || !status.SaveBestModel {
		return nil
	}
	var save bool
	var saveName string
	for _, metric := range c.trainer.Metrics() {
		key, _, epochAP, found := selectTargetMetric(c.trainer.Config(), metric.Results())
		if !found {
			klog.Warning("Evaluation results empty, this may be due to " +
				"training iterations being too few or not loading the correct weights.")
			return nil
		}
		if epochAP > c.bestAP {
			c.bestAP = epochAP
			saveName = "best_model"
			save = true
		}
		klog.Infof("Best teacher test %s ap is %0.3f.", key, c.bestAP)
	}
	if !save {
		return nil
	}
	err := c.handler.SaveSemiModel(
		c.semi.TeacherState(), c.semi.StudentState(), c.trainer.OptimizerState(),
		saveName, status.EpochID+1, status.IterID+1)
	return errors.WithMessage(err, "saving best semi-supervised checkpoint")
}
