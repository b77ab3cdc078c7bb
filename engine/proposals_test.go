package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProposer struct {
	detections []Detection
	err        error
}

func (p *fakeProposer) Proposals() ([]Detection, error) { return p.detections, p.err }

func TestProposalsGenerator(t *testing.T) {
	proposer := &fakeProposer{detections: []Detection{
		{ImageID: 7, ClassID: 0, Score: 0.95, BBox: [4]float64{10, 20, 30, 40}},
		{ImageID: 7, ClassID: 2, Score: 0.5, BBox: [4]float64{1, 2, 3, 4}},
	}}
	outputPath := filepath.Join(t.TempDir(), "proposals.json")
	pg := NewProposalsGenerator(proposer, map[int]int{0: 1}, outputPath)
	require.NoError(t, pg.OnTrainEnd(&Status{Mode: ModeTrain}))

	f, err := os.Open(outputPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var proposals []Proposal
	require.NoError(t, json.NewDecoder(f).Decode(&proposals))
	require.Len(t, proposals, 2)
	assert.Equal(t, Proposal{ImageID: 7, CategoryID: 1, BBox: [4]float64{10, 20, 30, 40}, Score: 0.95}, proposals[0])
	// Class 2 has no mapping and keeps its id.
	assert.Equal(t, 2, proposals[1].CategoryID)
}

func TestProposalsGeneratorPropagatesError(t *testing.T) {
	proposer := &fakeProposer{err: errors.New("inference failed")}
	pg := NewProposalsGenerator(proposer, nil, filepath.Join(t.TempDir(), "proposals.json"))
	err := pg.OnTrainEnd(&Status{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference failed")
}

func TestProposalsGeneratorSkipsNonPrimaryRank(t *testing.T) {
	t.Setenv("RANK", "1")
	t.Setenv("WORLD_SIZE", "2")
	outputPath := filepath.Join(t.TempDir(), "proposals.json")
	pg := NewProposalsGenerator(&fakeProposer{}, nil, outputPath)
	require.NoError(t, pg.OnTrainEnd(&Status{}))
	_, err := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(err))
}
