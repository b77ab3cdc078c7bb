package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firedet/detrain/checkpoints"
)

// semiTrainer wraps the fake trainer with teacher and student sub-models.
type semiTrainer struct {
	*fakeTrainer
	teacher, student checkpoints.StateDict
}

func (s *semiTrainer) TeacherState() checkpoints.StateDict { return s.teacher }
func (s *semiTrainer) StudentState() checkpoints.StateDict { return s.student }

func newSemiTrainer(saveDir string) *semiTrainer {
	trainer := &semiTrainer{
		fakeTrainer: newFakeTrainer(saveDir),
		teacher:     checkpoints.StateDict{checkpoints.FromFloat32s("w", nil, []float32{2})},
		student:     checkpoints.StateDict{checkpoints.FromFloat32s("w", nil, []float32{1})},
	}
	trainer.cfg.Filename = "semi_det"
	return trainer
}

func TestSemiCheckpointerRequiresTeacherStudent(t *testing.T) {
	_, err := NewSemiCheckpointer(newFakeTrainer(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no teacher and student sub-models")
}

func TestSemiCheckpointerRollingSave(t *testing.T) {
	saveDir := t.TempDir()
	trainer := newSemiTrainer(saveDir)
	cp, err := NewSemiCheckpointer(trainer)
	require.NoError(t, err)

	status := &Status{Mode: ModeTrain, EpochID: 0, SaveInterval: 5}
	for iter := 0; iter < 10; iter++ {
		status.IterID = iter
		require.NoError(t, cp.OnStepEnd(status))
	}

	// Saves land under <save_dir>/<filename> and refresh in place.
	dir := filepath.Join(saveDir, "semi_det")
	assert.Equal(t, dir, cp.Handler().Dir())
	teacher, iter, err := loadSemiPair(t, dir, "last_epoch")
	require.NoError(t, err)
	assert.Equal(t, 10, iter, "rolling save refreshed at iteration 10")
	values, err := teacher[0].Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(2), values[0], "teacher weights are the main artifact")
}

func TestSemiCheckpointerNoSaveIntervalNoSave(t *testing.T) {
	trainer := newSemiTrainer(t.TempDir())
	cp, err := NewSemiCheckpointer(trainer)
	require.NoError(t, err)

	status := &Status{Mode: ModeTrain, SaveInterval: 0}
	for iter := 0; iter < 10; iter++ {
		status.IterID = iter
		require.NoError(t, cp.OnStepEnd(status))
	}
	_, _, err = loadSemiPair(t, cp.Handler().Dir(), "last_epoch")
	require.Error(t, err, "a zero save_interval disables rolling saves")
}

func TestSemiCheckpointerBestIsStrict(t *testing.T) {
	trainer := newSemiTrainer(t.TempDir())
	cp, err := NewSemiCheckpointer(trainer)
	require.NoError(t, err)

	aps := []float64{0.4, 0.4, 0.6}
	trainer.evalAPs = aps
	for i, iter := range []int{99, 199, 299} {
		trainer.evalCount = i + 1
		require.NoError(t, cp.OnEpochEnd(&Status{
			Mode: ModeEval, EpochID: i, IterID: iter,
			EvalInterval: 100, SaveBestModel: true,
		}))
	}
	assert.Equal(t, 0.6, cp.BestAP())

	// Only strict improvements save: 0.4 at iteration 100, then 0.6 at 300.
	_, iter, err := loadSemiPair(t, cp.Handler().Dir(), "best_model")
	require.NoError(t, err)
	assert.Equal(t, 300, iter)

	// A repeat of the best value does not refresh the save.
	trainer.evalAPs = []float64{0.6}
	trainer.evalCount = 1
	require.NoError(t, cp.OnEpochEnd(&Status{
		Mode: ModeEval, EpochID: 3, IterID: 399,
		EvalInterval: 100, SaveBestModel: true,
	}))
	_, iter, err = loadSemiPair(t, cp.Handler().Dir(), "best_model")
	require.NoError(t, err)
	assert.Equal(t, 300, iter)
}

func TestSemiCheckpointerSkipsOffIntervalEvals(t *testing.T) {
	trainer := newSemiTrainer(t.TempDir())
	cp, err := NewSemiCheckpointer(trainer)
	require.NoError(t, err)

	trainer.evalAPs = []float64{0.9}
	trainer.evalCount = 1
	require.NoError(t, cp.OnEpochEnd(&Status{
		Mode: ModeEval, IterID: 42, EvalInterval: 100, SaveBestModel: true,
	}))
	assert.Equal(t, 0.0, cp.BestAP(), "off-interval evals are ignored")
}

func TestLoopDrivesSemiBestModel(t *testing.T) {
	trainer := newSemiTrainer(t.TempDir())
	cp, err := NewSemiCheckpointer(trainer)
	require.NoError(t, err)

	trainer.evalAPs = []float64{0.9, 0.8, 0.7}
	loop := NewLoop(trainer, cp)
	// Evaluate once per epoch, with the interval dividing the epoch length.
	loop.Status().EvalInterval = trainer.stepsPerEpoch
	require.NoError(t, loop.Run())

	assert.Equal(t, 0.9, cp.BestAP())
	_, iter, err := loadSemiPair(t, cp.Handler().Dir(), "best_model")
	require.NoError(t, err)
	assert.Equal(t, trainer.stepsPerEpoch, iter, "best save taken at the first epoch's last iteration")
}

// loadSemiPair reads back a teacher/student save, checking both halves exist.
func loadSemiPair(t *testing.T, dir, name string) (teacher checkpoints.StateDict, iter int, err error) {
	t.Helper()
	teacher, _, iter, err = checkpoints.LoadStateDict(dir, name+checkpoints.ParamsSuffix)
	if err != nil {
		return nil, 0, err
	}
	student, _, _, err := checkpoints.LoadStateDict(dir, name+checkpoints.StudentSuffix)
	if err != nil {
		return nil, 0, err
	}
	require.Len(t, student, len(teacher))
	return teacher, iter, nil
}
