// Package engine implements the training-loop callback layer: the hook
// interface invoked at fixed points of the loop, the standard callbacks
// (logging, checkpointing with best-model selection, scalar recording,
// proposals generation) and their semi-supervised variants, plus the Loop
// driver that invokes them.
//
// The callbacks observe a Trainer, which abstracts the model underneath as
// state dicts and evaluation metrics; the tensor math and gradient
// synchronization live in the training framework behind that interface.
package engine

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/firedet/detrain/checkpoints"
	"github.com/firedet/detrain/config"
	"github.com/firedet/detrain/distributed"
)

// Callback is a hook object invoked at fixed points of the training loop. A
// non-nil error aborts the loop.
type Callback interface {
	OnStepBegin(status *Status) error
	OnStepEnd(status *Status) error
	OnEpochBegin(status *Status) error
	OnEpochEnd(status *Status) error
	OnTrainBegin(status *Status) error
	OnTrainEnd(status *Status) error
}

// CallbackBase provides no-op implementations of every hook; embed it and
// override the hooks of interest.
type CallbackBase struct{}

func (CallbackBase) OnStepBegin(*Status) error  { return nil }
func (CallbackBase) OnStepEnd(*Status) error    { return nil }
func (CallbackBase) OnEpochBegin(*Status) error { return nil }
func (CallbackBase) OnEpochEnd(*Status) error   { return nil }
func (CallbackBase) OnTrainBegin(*Status) error { return nil }
func (CallbackBase) OnTrainEnd(*Status) error   { return nil }

// Metric is one evaluation metric of the trainer. Results maps metric keys
// ("bbox", "keypoint", "mask", ...) to their values; by convention the first
// value of each key is the headline AP.
type Metric interface {
	Results() map[string][]float64
}

// Trainer is the training driver the callbacks observe.
type Trainer interface {
	// Config of the training run.
	Config() *config.TrainConfig

	// TrainStep runs one training step and returns the loss scalars to feed
	// the meters. It may update status fields such as LearningRate.
	TrainStep(status *Status) (losses map[string]float64, err error)

	// StepsPerEpoch of the training dataset.
	StepsPerEpoch() int

	// ModelState returns the current model weights.
	ModelState() checkpoints.StateDict

	// OptimizerState returns the optimizer slots, or nil.
	OptimizerState() checkpoints.StateDict

	// EMAState returns the exponential-moving-average weights, or nil when
	// EMA is disabled.
	EMAState() checkpoints.StateDict

	// Metrics returns the evaluation metrics, filled by the last eval pass.
	Metrics() []Metric
}

// HasStudent is implemented by trainers whose model wraps a distilled
// student sub-model; checkpointers then save the student weights.
type HasStudent interface {
	StudentState() checkpoints.StateDict
}

// HasTeacherStudent is implemented by semi-supervised trainers carrying both
// a teacher and a student sub-model.
type HasTeacherStudent interface {
	TeacherState() checkpoints.StateDict
	StudentState() checkpoints.StateDict
}

// Compose dispatches every hook to an ordered list of callbacks. Nil entries
// are dropped. The first error stops the dispatch and is returned annotated
// with the failing callback.
type Compose struct {
	callbacks []Callback
}

// NewCompose creates a Compose over the given callbacks, skipping nils.
func NewCompose(callbacks ...Callback) *Compose {
	kept := make([]Callback, 0, len(callbacks))
	for _, c := range callbacks {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Compose{callbacks: kept}
}

func (cc *Compose) dispatch(hook string, status *Status, fn func(Callback, *Status) error) error {
	for _, c := range cc.callbacks {
		if err := fn(c, status); err != nil {
			return errors.WithMessagef(err, "%s(%T)", hook, c)
		}
	}
	return nil
}

func (cc *Compose) OnStepBegin(status *Status) error {
	return cc.dispatch("OnStepBegin", status, Callback.OnStepBegin)
}

func (cc *Compose) OnStepEnd(status *Status) error {
	return cc.dispatch("OnStepEnd", status, Callback.OnStepEnd)
}

func (cc *Compose) OnEpochBegin(status *Status) error {
	return cc.dispatch("OnEpochBegin", status, Callback.OnEpochBegin)
}

func (cc *Compose) OnEpochEnd(status *Status) error {
	return cc.dispatch("OnEpochEnd", status, Callback.OnEpochEnd)
}

func (cc *Compose) OnTrainBegin(status *Status) error {
	return cc.dispatch("OnTrainBegin", status, Callback.OnTrainBegin)
}

func (cc *Compose) OnTrainEnd(status *Status) error {
	return cc.dispatch("OnTrainEnd", status, Callback.OnTrainEnd)
}

// LogPrinter logs training progress: one line every LogIter training steps
// with the smoothed meters, ETA and throughput, a heartbeat during
// evaluation, and an FPS summary at the end of an eval pass. Only the ranks
// listed in the config's log_ranks print.
type LogPrinter struct {
	CallbackBase
	trainer  Trainer
	logRanks []int
}

// NewLogPrinter creates a LogPrinter for the trainer.
func NewLogPrinter(trainer Trainer) *LogPrinter {
	logRanks, err := distributed.ParseLogRanks(trainer.Config().LogRanks)
	if err != nil {
		klog.Warningf("ignoring malformed log_ranks: %v", err)
	}
	return &LogPrinter{trainer: trainer, logRanks: logRanks}
}

func (lp *LogPrinter) OnStepEnd(status *Status) error {
	if !distributed.ShouldLog(lp.logRanks) {
		return nil
	}
	cfg := lp.trainer.Config()
	switch status.Mode {
	case ModeTrain:
		if status.StepID%cfg.LogIter != 0 {
			return nil
		}
		etaSteps := (cfg.Epoch-status.EpochID)*status.StepsPerEpoch - status.StepID
		eta := time.Duration(float64(etaSteps)*status.BatchTime.GlobalAvg()) * time.Second
		ips := float64(cfg.TrainReader.BatchSize) / status.BatchTime.Avg()
		memInfo := ""
		if cfg.PrintMemInfo {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			memInfo = fmt.Sprintf(", mem: %s", humanize.IBytes(mem.HeapInuse))
		}
		width := len(strconv.Itoa(status.StepsPerEpoch))
		klog.Infof("Epoch: [%d] [%*d/%d] learning_rate: %.6f %s eta: %s batch_cost: %s data_cost: %s ips: %.4f images/s%s",
			status.EpochID, width, status.StepID, status.StepsPerEpoch,
			status.LearningRate, status.Meters.Log(), eta.Truncate(time.Second),
			status.BatchTime, status.DataTime, ips, memInfo)
	case ModeEval:
		if status.StepID%100 == 0 {
			klog.Infof("Eval iter: %d", status.StepID)
		}
	}
	return nil
}

func (lp *LogPrinter) OnEpochEnd(status *Status) error {
	if !distributed.IsPrimary() || status.Mode != ModeEval {
		return nil
	}
	seconds := status.CostTime.Seconds()
	if seconds > 0 {
		klog.Infof("Total sample number: %d, average FPS: %f",
			status.SampleNum, float64(status.SampleNum)/seconds)
	}
	return nil
}

// initialBestAP is low enough that the first observed metric always becomes
// the best, even for metrics reported as negative (distance-style metrics).
const initialBestAP = -1000.0

// Checkpointer saves model snapshots during training and tracks the best
// evaluation metric to keep a "best_model" save up to date. It only writes
// on the primary rank.
type Checkpointer struct {
	CallbackBase
	trainer Trainer
	handler *checkpoints.Handler
	bestAP  float64
}

// NewCheckpointer creates the checkpointing callback for the trainer, rooted
// at the config's save_dir.
func NewCheckpointer(trainer Trainer) (*Checkpointer, error) {
	cfg := trainer.Config()
	builder := checkpoints.Build(cfg.SaveDir).Keep(-1)
	if cfg.UniformOutputEnabled {
		builder = builder.UniformOutput()
	}
	handler, err := builder.Done()
	if err != nil {
		return nil, errors.WithMessage(err, "creating Checkpointer")
	}
	return &Checkpointer{
		trainer: trainer,
		handler: handler,
		bestAP:  initialBestAP,
	}, nil
}

// Handler exposes the underlying checkpoints handler, e.g. for tests or for
// loading the saved model back.
func (c *Checkpointer) Handler() *checkpoints.Handler { return c.handler }

// BestAP returns the best metric value observed so far.
func (c *Checkpointer) BestAP() float64 { return c.bestAP }

// weightState is the state dict the checkpointer saves: the student
// sub-model when the trainer wraps one (distillation), the full model
// otherwise.
func (c *Checkpointer) weightState() checkpoints.StateDict {
	if s, ok := c.trainer.(HasStudent); ok {
		return s.StudentState()
	}
	return c.trainer.ModelState()
}

func (c *Checkpointer) OnEpochEnd(status *Status) error {
	if !distributed.IsPrimary() {
		return nil
	}
	cfg := c.trainer.Config()
	endEpoch := cfg.Epoch
	saveName := strconv.Itoa(status.EpochID)
	if status.EpochID == endEpoch-1 {
		saveName = "model_final"
	}
	var weight checkpoints.StateDict

	switch status.Mode {
	case ModeTrain:
		if (status.EpochID+1)%cfg.SnapshotEpoch == 0 || status.EpochID == endEpoch-1 {
			weight = c.weightState()
		}
	case ModeEval:
		for _, metric := range c.trainer.Metrics() {
			key, evalFn, epochAP, found := selectTargetMetric(cfg, metric.Results())
			if !found {
				klog.Warning("Evaluation results empty, this may be due to " +
					"training iterations being too few or not loading the correct weights.")
				// Still record a states file so downstream tooling sees the save.
				epochAP = 0
			}
			st := checkpoints.States{Metric: math.Abs(epochAP), Epoch: status.EpochID + 1}
			if err := c.handler.SaveStates(saveName, st); err != nil {
				return err
			}
			if err := c.updateUniformOutput(saveName, st); err != nil {
				return err
			}
			if !status.SaveBestModel {
				continue
			}
			if epochAP >= c.bestAP {
				c.bestAP = epochAP
				saveName = "best_model"
				weight = c.weightState()
				best := checkpoints.States{Metric: math.Abs(c.bestAP), Epoch: status.EpochID + 1}
				if err := c.handler.SaveStates(saveName, best); err != nil {
					return err
				}
				if err := c.updateUniformOutput(saveName, best); err != nil {
					return err
				}
			}
			klog.Infof("Best test %s %s is %0.3f.", key, evalFn, math.Abs(c.bestAP))
		}
	}
	if weight == nil {
		return nil
	}
	return c.save(status, weight, saveName)
}

func (c *Checkpointer) updateUniformOutput(saveName string, st checkpoints.States) error {
	cfg := c.trainer.Config()
	if !cfg.UniformOutputEnabled {
		return nil
	}
	info := checkpoints.ModelInfo{
		Name:    saveName,
		Metric:  st.Metric,
		Epoch:   st.Epoch,
		SavedAt: time.Now(),
		WithEMA: cfg.UseEMA && c.trainer.EMAState() != nil,
	}
	if err := c.handler.SaveModelInfo(info); err != nil {
		return err
	}
	return c.handler.UpdateTrainResults(info, st.Epoch == cfg.Epoch)
}

// save writes the selected weights (plus optimizer and EMA artifacts) under
// saveName, exporting an inference copy in uniform-output mode.
func (c *Checkpointer) save(status *Status, weight checkpoints.StateDict, saveName string) error {
	cfg := c.trainer.Config()
	optimizer := c.trainer.OptimizerState()
	epoch := status.EpochID + 1
	var err error
	if ema := c.trainer.EMAState(); cfg.UseEMA && ema != nil {
		if status.ExchangeSaveModel {
			// In dense-teacher semi-supervised training the EMA (teacher)
			// model is the stronger one: it goes into the weights file and
			// the student into the EMA slot.
			err = c.handler.SaveModel(ema, optimizer, saveName, epoch, weight)
		} else {
			err = c.handler.SaveModel(weight, optimizer, saveName, epoch, ema)
		}
	} else {
		err = c.handler.SaveModel(weight, optimizer, saveName, epoch, nil)
	}
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", saveName)
	}
	if cfg.UniformOutputEnabled {
		exportDir, err := c.handler.ExportInference(saveName)
		if err != nil {
			return err
		}
		if err = c.handler.MarkExported(saveName); err != nil {
			return err
		}
		klog.V(1).Infof("exported inference model for %q to %q", saveName, exportDir)
	}
	return nil
}

// selectTargetMetric picks the metric key driving best-model selection and
// returns its headline value. The config's target_metrics overrides the
// detection order.
func selectTargetMetric(cfg *config.TrainConfig, results map[string][]float64) (key, evalFn string, ap float64, found bool) {
	evalFn = "ap"
	switch {
	case len(results["pose3d"]) > 0:
		key = "pose3d"
		evalFn = "mpjpe"
	case len(results["bbox"]) > 0:
		key = "bbox"
	case len(results["keypoint"]) > 0:
		key = "keypoint"
	default:
		key = "mask"
	}
	if cfg.TargetMetrics != "" {
		key = cfg.TargetMetrics
	}
	values := results[key]
	if len(values) == 0 {
		return key, evalFn, 0, false
	}
	return key, evalFn, values[0], true
}
