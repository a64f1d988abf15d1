package delta

import (
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DMPDiffer uses diff-match-patch with its line-mode speedup. It suits
// large prose documents where the LCS table would be too big.
type DMPDiffer struct {
	Timeout time.Duration
}

func NewDMPDiffer() *DMPDiffer {
	return &DMPDiffer{Timeout: time.Second}
}

func (DMPDiffer) Name() string { return StrategyDMP }

func (d DMPDiffer) Diff(before, after string) []Segment {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = d.Timeout

	var segments []Segment
	for _, diff := range dmp.DiffMain(before, after, true) {
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			segments = appendSegment(segments, Equal, diff.Text)
		case diffmatchpatch.DiffDelete:
			segments = appendSegment(segments, Delete, diff.Text)
		case diffmatchpatch.DiffInsert:
			segments = appendSegment(segments, Insert, diff.Text)
		}
	}
	return segments
}
