package engine

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/firedet/detrain/distributed"
)

// Detection is one raw detection produced by inference: a box with the
// model's class id and confidence.
type Detection struct {
	ImageID int
	ClassID int
	Score   float64
	// BBox is [x, y, width, height] in image coordinates.
	BBox [4]float64
}

// Proposal is the COCO-style JSON record written to the proposals file.
type Proposal struct {
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Score      float64    `json:"score"`
}

// Proposer runs inference over a prepared dataset and yields its detections.
type Proposer interface {
	Proposals() ([]Detection, error)
}

// ProposalsGenerator runs the proposer once training ends and writes the
// aggregated detections as a proposals JSON file, with class ids mapped back
// to dataset category ids.
type ProposalsGenerator struct {
	CallbackBase
	proposer     Proposer
	classToCatID map[int]int
	outputPath   string
}

// NewProposalsGenerator creates the proposals callback. classToCatID maps
// model class ids to dataset category ids; a class absent from the map keeps
// its id.
func NewProposalsGenerator(proposer Proposer, classToCatID map[int]int, outputPath string) *ProposalsGenerator {
	return &ProposalsGenerator{
		proposer:     proposer,
		classToCatID: classToCatID,
		outputPath:   outputPath,
	}
}

func (pg *ProposalsGenerator) OnTrainEnd(*Status) error {
	if !distributed.IsPrimary() {
		return nil
	}
	detections, err := pg.proposer.Proposals()
	if err != nil {
		return errors.WithMessage(err, "generating proposals")
	}
	proposals := make([]Proposal, len(detections))
	for i, det := range detections {
		catID, found := pg.classToCatID[det.ClassID]
		if !found {
			catID = det.ClassID
		}
		proposals[i] = Proposal{
			ImageID:    det.ImageID,
			CategoryID: catID,
			BBox:       det.BBox,
			Score:      det.Score,
		}
	}
	klog.Infof("save proposals in %s", pg.outputPath)
	f, err := os.Create(pg.outputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create proposals file %q", pg.outputPath)
	}
	if err = json.NewEncoder(f).Encode(proposals); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write proposals file %q", pg.outputPath)
	}
	return errors.Wrapf(f.Close(), "failed to close proposals file %q", pg.outputPath)
}
