package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateDict(scale float32) StateDict {
	return StateDict{
		FromFloat32s("backbone.conv1.weight", []int{2, 3}, []float32{scale, 2 * scale, 3 * scale, 4 * scale, 5 * scale, 6 * scale}),
		FromFloat32s("head.bias", []int{2}, []float32{-scale, scale}),
	}
}

func TestSaveLoadStateDict(t *testing.T) {
	dir := t.TempDir()
	sd := testStateDict(1)
	require.NoError(t, SaveStateDict(sd, dir, "model.params", 7, 140))

	loaded, epoch, iter, err := LoadStateDict(dir, "model.params")
	require.NoError(t, err)
	assert.Equal(t, 7, epoch)
	assert.Equal(t, 140, iter)
	require.Len(t, loaded, 2)

	entry, found := loaded.Get("backbone.conv1.weight")
	require.True(t, found)
	assert.Equal(t, []int{2, 3}, entry.Dims)
	assert.Equal(t, Float32, entry.DType)
	assert.Equal(t, 6, entry.NumElements())
	values, err := entry.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)

	_, found = loaded.Get("no.such.entry")
	assert.False(t, found)
}

func TestHandlerSaveModel(t *testing.T) {
	dir := t.TempDir()
	handler := Build(dir).MustDone()

	model := testStateDict(1)
	optimizer := StateDict{FromFloat32s("momentum", nil, []float32{0.9})}
	require.NoError(t, handler.SaveModel(model, optimizer, "model_final", 11, nil))

	loadedModel, loadedOpt, loadedEMA, epoch, err := handler.LoadModel("model_final")
	require.NoError(t, err)
	assert.Equal(t, 11, epoch)
	assert.Len(t, loadedModel, 2)
	assert.Len(t, loadedOpt, 1)
	assert.Nil(t, loadedEMA)
}

func TestHandlerSaveModelWithEMA(t *testing.T) {
	handler := Build(t.TempDir()).MustDone()
	require.NoError(t, handler.SaveModel(testStateDict(1), nil, "best_model", 3, testStateDict(2)))

	_, _, ema, _, err := handler.LoadModel("best_model")
	require.NoError(t, err)
	require.NotNil(t, ema)
	values, err := ema[0].Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(2), values[0])
}

func TestHandlerKeepSnapshots(t *testing.T) {
	dir := t.TempDir()
	handler := Build(dir).Keep(2).MustDone()

	for epoch, name := range []string{"0", "1", "2", "3", "model_final"} {
		require.NoError(t, handler.SaveModel(testStateDict(float32(epoch+1)), nil, name, epoch+1, nil))
	}

	names, err := handler.ListSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, names, "only the two newest numbered snapshots remain")

	// Named saves are never pruned.
	_, _, _, _, err = handler.LoadModel("model_final")
	assert.NoError(t, err)
	_, _, _, _, err = handler.LoadModel("0")
	assert.Error(t, err)
}

func TestHandlerSemiModel(t *testing.T) {
	dir := t.TempDir()
	handler := Build(dir).MustDone()
	require.NoError(t, handler.SaveSemiModel(testStateDict(3), testStateDict(1), nil, "last_epoch", 2, 2000))

	teacher, _, _, epoch, err := handler.LoadModel("last_epoch")
	require.NoError(t, err)
	assert.Equal(t, 2, epoch)
	values, err := teacher[0].Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(3), values[0])

	student, _, iter, err := LoadStateDict(dir, "last_epoch"+StudentSuffix)
	require.NoError(t, err)
	assert.Equal(t, 2000, iter)
	values, err = student[0].Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(1), values[0])
}

func TestStatesAndTrainResults(t *testing.T) {
	handler := Build(t.TempDir()).UniformOutput().MustDone()

	require.NoError(t, handler.SaveStates("best_model", States{Metric: 0.42, Epoch: 9}))
	st, err := handler.LoadStates("best_model")
	require.NoError(t, err)
	assert.Equal(t, 0.42, st.Metric)
	assert.Equal(t, 9, st.Epoch)

	info := ModelInfo{Name: "best_model", Metric: 0.42, Epoch: 9, WithEMA: true}
	require.NoError(t, handler.SaveModelInfo(info))
	require.NoError(t, handler.UpdateTrainResults(info, false))
	require.NoError(t, handler.UpdateTrainResults(ModelInfo{Name: "model_final", Metric: 0.40, Epoch: 10}, true))

	results, err := handler.LoadTrainResults()
	require.NoError(t, err)
	assert.NotEmpty(t, results.RunID)
	assert.True(t, results.Done)
	require.Len(t, results.Models, 2)
	assert.Equal(t, "best_model", results.Models[0].Name)

	// Updating an existing save replaces its record, keeping the run id.
	require.NoError(t, handler.UpdateTrainResults(ModelInfo{Name: "best_model", Metric: 0.5, Epoch: 12}, true))
	updated, err := handler.LoadTrainResults()
	require.NoError(t, err)
	assert.Equal(t, results.RunID, updated.RunID)
	require.Len(t, updated.Models, 2)
	assert.Equal(t, 0.5, updated.Models[0].Metric)

	// Marking a save exported flips the flag in both metadata files.
	require.NoError(t, handler.MarkExported("best_model"))
	marked, err := handler.LoadTrainResults()
	require.NoError(t, err)
	assert.True(t, marked.Models[0].Exported)
	assert.False(t, marked.Models[1].Exported)
	assert.True(t, marked.Done, "the done flag survives the update")

	// Saves without metadata (no eval pass) are left alone.
	require.NoError(t, handler.MarkExported("no_such_save"))
}

func TestExportInference(t *testing.T) {
	handler := Build(t.TempDir()).UniformOutput().MustDone()
	require.NoError(t, handler.SaveModel(testStateDict(1), StateDict{FromFloat32s("momentum", nil, []float32{0.9})},
		"best_model", 5, testStateDict(4)))

	exportDir, err := handler.ExportInference("best_model")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(handler.SaveDirFor("best_model"), InferenceDirName), exportDir)

	// The export carries the EMA weights and no optimizer state.
	exported, epoch, _, err := LoadStateDict(exportDir, "model"+ParamsSuffix)
	require.NoError(t, err)
	assert.Equal(t, 5, epoch)
	values, err := exported[0].Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(4), values[0])
	_, err = os.Stat(filepath.Join(exportDir, "model"+OptimizerSuffix+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildOnFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "not_a_dir")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0660))
	_, err := Build(filePath).Done()
	require.Error(t, err)
}
