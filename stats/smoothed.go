// Package stats implements the smoothed training meters printed by the
// logging callbacks: scalar series smoothed over a sliding window, and an
// insertion-ordered collection of them holding one meter per tracked loss.
package stats

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultWindowSize is the number of most recent samples kept by a
// SmoothedValue when none is given.
const DefaultWindowSize = 20

// SmoothedValue tracks a scalar series and reports it smoothed over a
// sliding window. The global average covers every sample ever recorded, not
// just the window.
type SmoothedValue struct {
	window []float64
	next   int
	filled bool

	total float64
	count int64
}

// NewSmoothedValue creates a SmoothedValue with the given sliding window
// size. Sizes < 1 use DefaultWindowSize.
func NewSmoothedValue(windowSize int) *SmoothedValue {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &SmoothedValue{window: make([]float64, windowSize)}
}

// Update records one sample.
func (s *SmoothedValue) Update(value float64) {
	s.window[s.next] = value
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.filled = true
	}
	s.total += value
	s.count++
}

// Count returns the number of samples recorded so far.
func (s *SmoothedValue) Count() int64 { return s.count }

func (s *SmoothedValue) windowValues() []float64 {
	if s.filled {
		return s.window
	}
	return s.window[:s.next]
}

// Median of the samples currently in the window. Returns 0 before any sample.
func (s *SmoothedValue) Median() float64 {
	values := s.windowValues()
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Avg of the samples currently in the window.
func (s *SmoothedValue) Avg() float64 {
	values := s.windowValues()
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// GlobalAvg of every sample ever recorded.
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.total / float64(s.count)
}

// Latest sample recorded. Returns 0 before any sample.
func (s *SmoothedValue) Latest() float64 {
	if s.count == 0 {
		return 0
	}
	idx := s.next - 1
	if idx < 0 {
		idx = len(s.window) - 1
	}
	return s.window[idx]
}

// String formats the meter as "median (global average)", the format used on
// the training log lines.
func (s *SmoothedValue) String() string {
	return fmt.Sprintf("%.4f (%.4f)", s.Median(), s.GlobalAvg())
}

// TrainingStats is an insertion-ordered set of named SmoothedValue meters,
// typically one per loss term reported by the model.
type TrainingStats struct {
	windowSize int
	order      []string
	meters     map[string]*SmoothedValue
}

// NewTrainingStats creates an empty set of meters with the given window size
// for each meter created on first update.
func NewTrainingStats(windowSize int) *TrainingStats {
	return &TrainingStats{
		windowSize: windowSize,
		meters:     make(map[string]*SmoothedValue),
	}
}

// Update records one sample per named scalar. Meters are created on first
// sight of a name, and keep the order in which names first appeared.
func (ts *TrainingStats) Update(values map[string]float64) {
	// Map iteration order is random; collect new names sorted so the meter
	// order is stable across processes.
	newNames := make([]string, 0, len(values))
	for name := range values {
		if _, found := ts.meters[name]; !found {
			newNames = append(newNames, name)
		}
	}
	sort.Strings(newNames)
	for _, name := range newNames {
		ts.meters[name] = NewSmoothedValue(ts.windowSize)
		ts.order = append(ts.order, name)
	}
	for name, meter := range ts.meters {
		if value, found := values[name]; found {
			meter.Update(value)
		}
	}
}

// Get returns a snapshot of the current median of each meter, keyed by name.
func (ts *TrainingStats) Get() map[string]float64 {
	snapshot := make(map[string]float64, len(ts.meters))
	for name, meter := range ts.meters {
		snapshot[name] = meter.Median()
	}
	return snapshot
}

// Names returns the meter names in insertion order.
func (ts *TrainingStats) Names() []string {
	return append([]string(nil), ts.order...)
}

// Meter returns the meter with the given name, or nil.
func (ts *TrainingStats) Meter(name string) *SmoothedValue {
	return ts.meters[name]
}

// Log formats all meters as "name: median (global average)" joined by commas,
// in insertion order.
func (ts *TrainingStats) Log() string {
	parts := make([]string, 0, len(ts.order))
	for _, name := range ts.order {
		parts = append(parts, fmt.Sprintf("%s: %s", name, ts.meters[name]))
	}
	return strings.Join(parts, ", ")
}
