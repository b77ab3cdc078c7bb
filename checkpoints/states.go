package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StatesSuffix is appended to a save name to form its states file, the small
// JSON record of the evaluation metric the save was taken at.
const StatesSuffix = ".states.json"

// ModelInfoFileName is written next to each save in uniform-output mode.
const ModelInfoFileName = "model_info.json"

// TrainResultsFileName is the rolling record of all saves of a training run,
// maintained in the root of the save directory in uniform-output mode.
const TrainResultsFileName = "train_results.json"

// InferenceDirName is the subdirectory an inference export goes into.
const InferenceDirName = "inference"

// States records the evaluation metric a save was taken at.
type States struct {
	Metric float64 `json:"metric"`
	Epoch  int     `json:"epoch"`
}

// SaveStates writes the states file for the named save.
func (h *Handler) SaveStates(name string, st States) error {
	dir := h.SaveDirFor(name)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create save directory %q", dir)
	}
	return writeJSONFile(filepath.Join(dir, name+StatesSuffix), st)
}

// LoadStates reads back the states file for the named save.
func (h *Handler) LoadStates(name string) (States, error) {
	var st States
	err := readJSONFile(filepath.Join(h.SaveDirFor(name), name+StatesSuffix), &st)
	return st, err
}

// ModelInfo is the per-save metadata written in uniform-output mode.
type ModelInfo struct {
	Name     string    `json:"name"`
	Metric   float64   `json:"metric"`
	Epoch    int       `json:"epoch"`
	SavedAt  time.Time `json:"saved_at"`
	WithEMA  bool      `json:"with_ema"`
	Exported bool      `json:"exported"`
}

// SaveModelInfo writes the model_info.json of the named save.
func (h *Handler) SaveModelInfo(info ModelInfo) error {
	dir := h.SaveDirFor(info.Name)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create save directory %q", dir)
	}
	return writeJSONFile(filepath.Join(dir, ModelInfoFileName), info)
}

// TrainResults is the rolling record of a training run: one entry per save,
// newest last, plus a flag marking the run as finished.
type TrainResults struct {
	RunID  string      `json:"run_id"`
	Done   bool        `json:"done_flag"`
	Models []ModelInfo `json:"models"`
}

// UpdateTrainResults appends (or replaces) the record of the named save in
// train_results.json, creating the file with a fresh run id on first use.
func (h *Handler) UpdateTrainResults(info ModelInfo, done bool) error {
	filePath := filepath.Join(h.config.dir, TrainResultsFileName)
	var results TrainResults
	err := readJSONFile(filePath, &results)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return err
		}
		results = TrainResults{RunID: uuid.NewString()}
	}
	replaced := false
	for i := range results.Models {
		if results.Models[i].Name == info.Name {
			results.Models[i] = info
			replaced = true
			break
		}
	}
	if !replaced {
		results.Models = append(results.Models, info)
	}
	results.Done = done
	return writeJSONFile(filePath, results)
}

// LoadTrainResults reads the train_results.json of the save directory.
func (h *Handler) LoadTrainResults() (TrainResults, error) {
	var results TrainResults
	err := readJSONFile(filepath.Join(h.config.dir, TrainResultsFileName), &results)
	return results, err
}

// ExportInference writes an inference-only copy of the named save: the model
// weights (EMA weights when available, since those are the better model) with
// no optimizer state, under "<save dir>/inference".
func (h *Handler) ExportInference(name string) (string, error) {
	model, _, ema, epoch, err := h.LoadModel(name)
	if err != nil {
		return "", errors.WithMessagef(err, "exporting %q for inference", name)
	}
	weights := model
	if ema != nil {
		weights = ema
	}
	exportDir := filepath.Join(h.SaveDirFor(name), InferenceDirName)
	if err = SaveStateDict(weights, exportDir, "model"+ParamsSuffix, epoch, 0); err != nil {
		return "", errors.WithMessagef(err, "exporting %q for inference", name)
	}
	return exportDir, nil
}

// MarkExported flips the Exported flag in the model_info.json of the named
// save and in its train_results.json entry. Saves without a model_info.json
// (taken outside an eval pass) are left alone.
func (h *Handler) MarkExported(name string) error {
	infoPath := filepath.Join(h.SaveDirFor(name), ModelInfoFileName)
	var info ModelInfo
	if err := readJSONFile(infoPath, &info); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	info.Exported = true
	if err := writeJSONFile(infoPath, info); err != nil {
		return err
	}
	results, err := h.LoadTrainResults()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	for i := range results.Models {
		if results.Models[i].Name == name {
			results.Models[i] = info
		}
	}
	return writeJSONFile(filepath.Join(h.config.dir, TrainResultsFileName), results)
}

func writeJSONFile(filePath string, value any) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(value); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

func readJSONFile(filePath string, value any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	dec := json.NewDecoder(f)
	if err = dec.Decode(value); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to decode %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
