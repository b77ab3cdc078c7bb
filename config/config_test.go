package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
epoch: 120
snapshot_epoch: 5
log_iter: 50
save_dir: output/yolov3_fire
target_metrics: bbox
use_ema: true
log_ranks: "0,1"
TrainReader:
  batch_size: 8
EvalReader:
  batch_size: 1
architecture: YOLOv3
`

func TestLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte(sampleConfig), 0660))

	cfg, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Epoch)
	assert.Equal(t, 5, cfg.SnapshotEpoch)
	assert.Equal(t, 50, cfg.LogIter)
	assert.Equal(t, "output/yolov3_fire", cfg.SaveDir)
	assert.Equal(t, "bbox", cfg.TargetMetrics)
	assert.True(t, cfg.UseEMA)
	assert.Equal(t, "0,1", cfg.LogRanks)
	assert.Equal(t, 8, cfg.TrainReader.BatchSize)
	assert.Equal(t, 1, cfg.EvalReader.BatchSize)
	assert.Equal(t, "YOLOv3", cfg.Extra["architecture"])

	// Defaults survive for keys absent from the file.
	assert.True(t, cfg.PrintMemInfo)
	assert.Equal(t, 1, cfg.TestReader.BatchSize)
}

func TestLoadRejectsZeroEpochs(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("epoch: 0\n"), 0660))
	_, err := Load(filePath)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
