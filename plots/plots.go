// Package plots defines the scalar plot points recorded during training and
// the file format used to persist them inside the save directory.
//
// Each point is a single JSON object appended to the points file, so the file
// can be tailed while training is still running.
package plots

import (
	"encoding/json"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within a save directory to
// store plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point represents one scalar measurement taken during training or
// evaluation. It is used to save/load training curves.
type Point struct {
	// MetricName of this point, e.g. "loss_cls" or "bbox-mAP".
	MetricName string

	// MetricType groups similar metrics in the same plot, typically "loss"
	// or "mAP".
	MetricType string

	// Step is the global iteration this metric was measured at.
	Step float64

	// Value is the measurement.
	Value float64
}

// LoadPointsFromDir loads all plot points saved during training in file
// [TrainingPlotFileName] inside a save directory.
func LoadPointsFromDir(saveDir string) ([]Point, error) {
	return LoadPoints(path.Join(saveDir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	_ = f.Close()
	return points, nil
}

// CreatePointsWriter creates a channel to append Point values to the given
// file. Writing happens on a separate goroutine, so recording a point never
// blocks a training step. The errReport channel delivers the first error (or
// nil) once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plot points file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue
			}
			if encodeErr := enc.Encode(point); encodeErr != nil {
				err = errors.Wrapf(encodeErr, "failed to encode plot point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			closeErr := f.Close()
			if err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}
