// Package staging builds the input directory consumed by the multi-view
// reconstruction tool:
//
//	<work>/input/images/0.png ...     RGB views, natural filename order
//	<work>/input/<label>/0.png ...    the same views as RGBA, alpha = object mask
//
// Each run gets a fresh work directory. Nothing is cleaned up on failure so
// a partially staged run can be inspected.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/filehandler"
	"github.com/fpang/mv3d-pipeline/internal/imageio"
	"github.com/fpang/mv3d-pipeline/internal/natsort"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/fpang/mv3d-pipeline/internal/segment"
	"github.com/rs/zerolog/log"
)

// ImagesDir is the subdirectory of the input directory holding RGB views.
const ImagesDir = "images"

// MinViews is the smallest image set a reconstruction accepts.
const MinViews = 2

// ProgressFunc receives the fraction of work done (0..1] and a description.
type ProgressFunc func(fraction float64, desc string)

// Options configures Build.
type Options struct {
	Segment segment.Options
	// BaseDir is where the work directory is created. Blank means os.TempDir.
	BaseDir string
}

// View describes one staged view.
type View struct {
	Index     int    `json:"index"`
	Source    string `json:"source"`
	ImagePath string `json:"image_path"`
	MaskPath  string `json:"mask_path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`

	MaskArea   int     `json:"mask_area"`
	Score      float64 `json:"score,omitempty"`
	HasScore   bool    `json:"has_score"`
	Candidates int     `json:"candidates"`

	CameraMake  string     `json:"camera_make,omitempty"`
	CameraModel string     `json:"camera_model,omitempty"`
	DateTaken   *time.Time `json:"date_taken,omitempty"`
}

// Result is a staged input directory.
type Result struct {
	WorkDir  string
	InputDir string
	// ImagePaths lists images/<i>.png in index order.
	ImagePaths []string
	Views      []View
}

// ValidateLabel checks that label can name the mask subdirectory.
func ValidateLabel(label string) error {
	switch {
	case strings.TrimSpace(label) == "":
		return runerr.New(runerr.KindValidation, "staging", "mask label is empty")
	case label == ImagesDir, label == ".", label == "..":
		return runerr.New(runerr.KindValidation, "staging", fmt.Sprintf("mask label %q is reserved", label))
	case strings.ContainsAny(label, `/\`):
		return runerr.New(runerr.KindValidation, "staging", fmt.Sprintf("mask label %q must be a single path segment", label))
	}
	return nil
}

// Build stages files for reconstruction. Files are ordered by the natural
// order of their base names and view i is written as <i>.png in both
// subdirectories. progress is called once per view before it is processed.
func Build(ctx context.Context, files []string, label string, extractor segment.Extractor, opts Options, progress ProgressFunc) (*Result, error) {
	if len(files) < MinViews {
		return nil, runerr.New(runerr.KindValidation, "staging",
			fmt.Sprintf("upload at least %d images (multi-view), got %d", MinViews, len(files)))
	}
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}
	if err := opts.Segment.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(float64, string) {}
	}

	sorted := slices.Clone(files)
	natsort.SortPaths(sorted)

	workDir, err := os.MkdirTemp(opts.BaseDir, "mv_input_")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	inputDir := filepath.Join(workDir, "input")
	imagesDir := filepath.Join(inputDir, ImagesDir)
	masksDir := filepath.Join(inputDir, label)
	for _, dir := range []string{imagesDir, masksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	log.Info().
		Int("views", len(sorted)).
		Str("input_dir", inputDir).
		Str("mask_label", label).
		Msg("Staging multi-view input")

	result := &Result{
		WorkDir:    workDir,
		InputDir:   inputDir,
		ImagePaths: make([]string, 0, len(sorted)),
		Views:      make([]View, 0, len(sorted)),
	}

	n := len(sorted)
	for i, src := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(float64(i+1)/float64(n), fmt.Sprintf("SAM-3 masking view %d/%d", i+1, n))

		view, err := stageView(ctx, i, src, imagesDir, masksDir, extractor, opts.Segment)
		if err != nil {
			return nil, err
		}
		result.ImagePaths = append(result.ImagePaths, view.ImagePath)
		result.Views = append(result.Views, *view)
	}

	return result, nil
}

func stageView(ctx context.Context, i int, src, imagesDir, masksDir string, extractor segment.Extractor, opts segment.Options) (*View, error) {
	startTime := time.Now()

	rgb, err := imageio.LoadRGB(src)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindValidation, "staging", "load "+filepath.Base(src), err)
	}

	sel, err := extractor.ExtractMainObject(ctx, rgb, opts)
	if err != nil {
		return nil, err
	}

	name := strconv.Itoa(i) + ".png"
	view := &View{
		Index:      i,
		Source:     src,
		ImagePath:  filepath.Join(imagesDir, name),
		MaskPath:   filepath.Join(masksDir, name),
		Width:      rgb.Bounds().Dx(),
		Height:     rgb.Bounds().Dy(),
		MaskArea:   sel.Area,
		Score:      sel.Score,
		HasScore:   sel.HasScore,
		Candidates: sel.Count,
	}

	if err := imageio.SavePNG(rgb, view.ImagePath); err != nil {
		return nil, err
	}
	if err := imageio.SavePNG(imageio.ComposeRGBA(rgb, sel.Mask), view.MaskPath); err != nil {
		return nil, err
	}

	if vf, err := filehandler.LoadViewFile(src); err != nil {
		log.Debug().Err(err).Str("path", src).Msg("View file details unavailable")
	} else if meta := vf.Metadata; meta != nil {
		view.CameraMake = meta.CameraMake
		view.CameraModel = meta.CameraModel
		if meta.HasDate {
			taken := meta.DateTaken
			view.DateTaken = &taken
		}
	}

	log.Info().
		Int("index", i).
		Str("source", filepath.Base(src)).
		Int("width", view.Width).
		Int("height", view.Height).
		Int("mask_area", view.MaskArea).
		Dur("duration", time.Since(startTime)).
		Msg("View staged")
	return view, nil
}
