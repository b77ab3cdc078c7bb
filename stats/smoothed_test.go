package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmoothedValue(t *testing.T) {
	s := NewSmoothedValue(4)
	assert.Equal(t, 0.0, s.Median())
	assert.Equal(t, 0.0, s.Avg())
	assert.Equal(t, 0.0, s.GlobalAvg())

	for _, v := range []float64{1, 2, 3, 4} {
		s.Update(v)
	}
	assert.Equal(t, 2.5, s.Median())
	assert.Equal(t, 2.5, s.Avg())
	assert.Equal(t, 2.5, s.GlobalAvg())
	assert.Equal(t, 4.0, s.Latest())

	// Window rolls over: window is now {5, 6, 3, 4}, global includes all 6.
	s.Update(5)
	s.Update(6)
	assert.Equal(t, 4.5, s.Median())
	assert.Equal(t, 4.5, s.Avg())
	assert.InDelta(t, 21.0/6.0, s.GlobalAvg(), 1e-12)
	assert.Equal(t, 6.0, s.Latest())
	assert.Equal(t, int64(6), s.Count())

	assert.Equal(t, "4.5000 (3.5000)", s.String())
}

func TestSmoothedValueOddWindow(t *testing.T) {
	s := NewSmoothedValue(3)
	s.Update(10)
	s.Update(1)
	s.Update(5)
	assert.Equal(t, 5.0, s.Median())
}

func TestTrainingStats(t *testing.T) {
	ts := NewTrainingStats(20)
	ts.Update(map[string]float64{"loss": 2.0, "loss_cls": 1.0})
	ts.Update(map[string]float64{"loss": 1.0, "loss_cls": 3.0, "loss_box": 0.5})

	assert.Equal(t, []string{"loss", "loss_cls", "loss_box"}, ts.Names())

	snapshot := ts.Get()
	assert.InDelta(t, 1.5, snapshot["loss"], 1e-12)
	assert.InDelta(t, 2.0, snapshot["loss_cls"], 1e-12)
	assert.InDelta(t, 0.5, snapshot["loss_box"], 1e-12)

	assert.Equal(t,
		"loss: 1.5000 (1.5000), loss_cls: 2.0000 (2.0000), loss_box: 0.5000 (0.5000)",
		ts.Log())
}

func TestTrainingStatsPartialUpdate(t *testing.T) {
	ts := NewTrainingStats(20)
	ts.Update(map[string]float64{"loss": 1.0})
	ts.Update(map[string]float64{"loss": 2.0, "loss_aux": 4.0})
	// A later update missing a meter leaves that meter untouched.
	ts.Update(map[string]float64{"loss": 3.0})

	assert.Equal(t, int64(3), ts.Meter("loss").Count())
	assert.Equal(t, int64(1), ts.Meter("loss_aux").Count())
}
