// Package segment turns the candidate masks returned by a remote SAM-3
// segmentation service into one "main object" alpha mask per view.
//
// The service may return several candidates per image. Each is binarized at
// the source resolution and the winner is picked by a simple policy: the
// highest confidence score when asked for and available, otherwise the
// largest foreground area. The first candidate in service order wins ties.
package segment

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/fpang/mv3d-pipeline/internal/runerr"
)

// PickMode selects how the main object mask is chosen.
type PickMode string

const (
	// PickLargest picks the candidate with the most foreground pixels.
	PickLargest PickMode = "largest"
	// PickBestScore picks the candidate with the highest confidence score,
	// falling back to PickLargest when no candidate carries a score.
	PickBestScore PickMode = "best_score"
)

// MaxMasksLimit is the upper bound accepted for Options.MaxMasks.
const MaxMasksLimit = 10

// ParsePickMode parses a pick mode name.
func ParsePickMode(s string) (PickMode, error) {
	switch PickMode(strings.TrimSpace(s)) {
	case PickLargest:
		return PickLargest, nil
	case PickBestScore:
		return PickBestScore, nil
	}
	return "", fmt.Errorf("unknown pick mode %q (want %q or %q)", s, PickLargest, PickBestScore)
}

// Options configures a mask extraction request.
type Options struct {
	// Prompt optionally describes the object of interest. Blank means none.
	Prompt   string
	PickMode PickMode
	// MaxMasks is the number of candidates requested from the service (1..10).
	MaxMasks int
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.PickMode != PickLargest && o.PickMode != PickBestScore {
		return runerr.New(runerr.KindValidation, "segment", fmt.Sprintf("unknown pick mode %q", o.PickMode))
	}
	if o.MaxMasks < 1 || o.MaxMasks > MaxMasksLimit {
		return runerr.New(runerr.KindValidation, "segment",
			fmt.Sprintf("max masks must be between 1 and %d, got %d", MaxMasksLimit, o.MaxMasks))
	}
	return nil
}

// Candidate is one binarized mask returned by the service.
type Candidate struct {
	// Mask is 0 or 255 per pixel, at the source image's dimensions.
	Mask *image.Gray
	// Area is the count of opaque pixels in Mask.
	Area int
	// Score is the service confidence; only meaningful when HasScore is set.
	Score    float64
	HasScore bool
}

// Selection is the candidate chosen as the main object of a view.
type Selection struct {
	Candidate
	// Index is the candidate's position in service order.
	Index int
	// Count is how many candidates the service returned.
	Count int
}

// Extractor produces the main object mask for one view.
type Extractor interface {
	ExtractMainObject(ctx context.Context, img image.Image, opts Options) (*Selection, error)
}

// SelectMain returns the index of the main object candidate, or -1 when
// cands is empty.
func SelectMain(cands []Candidate, mode PickMode) int {
	if len(cands) == 0 {
		return -1
	}

	if mode == PickBestScore && anyScored(cands) {
		best := 0
		bestScore := rankScore(cands[0])
		for i := 1; i < len(cands); i++ {
			if s := rankScore(cands[i]); s > bestScore {
				best, bestScore = i, s
			}
		}
		return best
	}

	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].Area > cands[best].Area {
			best = i
		}
	}
	return best
}

func anyScored(cands []Candidate) bool {
	for _, c := range cands {
		if c.HasScore {
			return true
		}
	}
	return false
}

// rankScore treats a missing score as lower than any real one.
func rankScore(c Candidate) float64 {
	if !c.HasScore {
		return math.Inf(-1)
	}
	return c.Score
}
