package engine

import (
	"path/filepath"

	"github.com/firedet/detrain/distributed"
	"github.com/firedet/detrain/plots"
)

// ScalarWriter records training losses and evaluation APs as plot points in
// the save directory, so training curves can be inspected while the run is
// still going. Only the primary rank writes.
type ScalarWriter struct {
	CallbackBase
	writer    chan<- plots.Point
	errReport <-chan error

	lossStep int
	mapStep  int
}

// NewScalarWriter creates a ScalarWriter appending to
// [plots.TrainingPlotFileName] inside saveDir. On non-primary ranks the
// writer is inert.
func NewScalarWriter(saveDir string) *ScalarWriter {
	sw := &ScalarWriter{}
	if !distributed.IsPrimary() {
		return sw
	}
	sw.writer, sw.errReport = plots.CreatePointsWriter(
		filepath.Join(saveDir, plots.TrainingPlotFileName))
	return sw
}

func (sw *ScalarWriter) OnStepEnd(status *Status) error {
	if sw.writer == nil || status.Mode != ModeTrain {
		return nil
	}
	for _, name := range status.Meters.Names() {
		sw.writer <- plots.Point{
			MetricName: name,
			MetricType: "loss",
			Step:       float64(sw.lossStep),
			Value:      status.Meters.Meter(name).Latest(),
		}
	}
	sw.lossStep++
	return nil
}

func (sw *ScalarWriter) OnEpochEnd(status *Status) error {
	if sw.writer == nil || status.Mode != ModeEval {
		return nil
	}
	for key, values := range status.EvalResults {
		if len(values) == 0 {
			continue
		}
		sw.writer <- plots.Point{
			MetricName: key + "-mAP",
			MetricType: "mAP",
			Step:       float64(sw.mapStep),
			Value:      values[0],
		}
	}
	sw.mapStep++
	return nil
}

// OnTrainEnd flushes and closes the points file, reporting any write error
// accumulated during the run.
func (sw *ScalarWriter) OnTrainEnd(*Status) error {
	if sw.writer == nil {
		return nil
	}
	close(sw.writer)
	err := <-sw.errReport
	sw.writer = nil
	return err
}
