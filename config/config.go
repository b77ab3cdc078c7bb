// Package config holds the YAML training configuration consumed by the
// callback layer. Only the keys the callbacks dispatch on are modeled; the
// model architecture sections of a config file are opaque to this layer and
// are preserved under Extra.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ReaderConfig carries the data-loading knobs of one of the train/eval/test
// readers. Only the batch size matters to the callbacks (for the images/s
// rate on log lines).
type ReaderConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// TrainConfig is the training-run configuration.
type TrainConfig struct {
	// Epoch is the total number of training epochs.
	Epoch int `yaml:"epoch"`

	// SnapshotEpoch is how often (in epochs) a numbered snapshot is saved.
	SnapshotEpoch int `yaml:"snapshot_epoch"`

	// LogIter is how often (in steps) a training log line is printed.
	LogIter int `yaml:"log_iter"`

	// SaveDir is the root directory for checkpoints and metadata.
	SaveDir string `yaml:"save_dir"`

	// Filename is the run name; the semi-supervised checkpointer saves under
	// SaveDir/Filename.
	Filename string `yaml:"filename"`

	// TargetMetrics overrides the metric key used for best-model selection
	// ("bbox", "keypoint", "mask", ...). Empty means auto-detect.
	TargetMetrics string `yaml:"target_metrics"`

	// UniformOutputEnabled switches on per-save subdirectories with
	// model_info/train_results metadata and inference export.
	UniformOutputEnabled bool `yaml:"uniform_output_enabled"`

	// LogRanks is a comma-separated list of ranks allowed to log ("0,1").
	// Empty means rank 0 only.
	LogRanks string `yaml:"log_ranks"`

	// UseEMA enables saving of exponential-moving-average weights.
	UseEMA bool `yaml:"use_ema"`

	// PrintMemInfo includes process memory usage on training log lines.
	PrintMemInfo bool `yaml:"print_mem_info"`

	TrainReader ReaderConfig `yaml:"TrainReader"`
	EvalReader  ReaderConfig `yaml:"EvalReader"`
	TestReader  ReaderConfig `yaml:"TestReader"`

	// ProposalsPath is where the proposals-generator callback writes its
	// JSON output.
	ProposalsPath string `yaml:"proposals_path"`

	// Extra keeps the config sections this layer does not interpret.
	Extra map[string]any `yaml:",inline"`
}

// Default returns a TrainConfig with the defaults the callbacks assume when a
// key is absent.
func Default() TrainConfig {
	return TrainConfig{
		Epoch:         1,
		SnapshotEpoch: 1,
		LogIter:       20,
		SaveDir:       "output",
		PrintMemInfo:  true,
		TrainReader:   ReaderConfig{BatchSize: 1},
		EvalReader:    ReaderConfig{BatchSize: 1},
		TestReader:    ReaderConfig{BatchSize: 1},
	}
}

// Load reads a TrainConfig from a YAML file, on top of Default values.
func Load(filePath string) (TrainConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %q", filePath)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %q", filePath)
	}
	if cfg.Epoch < 1 {
		return cfg, errors.Errorf("config %q: epoch must be >= 1, got %d", filePath, cfg.Epoch)
	}
	if cfg.SnapshotEpoch < 1 {
		cfg.SnapshotEpoch = 1
	}
	if cfg.LogIter < 1 {
		cfg.LogIter = 1
	}
	return cfg, nil
}
