// Package pipeline sequences a reconstruction run: checkpoint provisioning,
// input staging, the external reconstruction tool and result packaging.
// Stages run in order on the caller's goroutine and the first failure ends
// the run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/bundle"
	"github.com/fpang/mv3d-pipeline/internal/jobs"
	"github.com/fpang/mv3d-pipeline/internal/metrics"
	"github.com/fpang/mv3d-pipeline/internal/reconstruct"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/fpang/mv3d-pipeline/internal/s3util"
	"github.com/fpang/mv3d-pipeline/internal/segment"
	"github.com/fpang/mv3d-pipeline/internal/staging"
	"github.com/rs/zerolog/log"
)

// Progress milestones.
const (
	progressProvision   = 0.02
	progressStageStart  = 0.05
	progressReconstruct = 0.75
	progressPackage     = 0.9
	progressDone        = 1.0
)

// ProgressFunc receives overall run progress in [0, 1].
type ProgressFunc = staging.ProgressFunc

// Provisioner makes checkpoints available to the reconstruction tool.
type Provisioner interface {
	Ensure(ctx context.Context) error
	Link(toolRoot string) error
}

// Publisher uploads a bundle and returns a download URL for it.
type Publisher interface {
	Publish(ctx context.Context, runID, bundlePath string) (string, error)
}

// Request is one reconstruction run.
type Request struct {
	Files     []string
	MaskLabel string
	Segment   segment.Options

	ImageNames      string
	Stage1Weighting bool
	Stage2Weighting bool
	WeightSource    reconstruct.WeightSource
	// AuxData is a local path or an s3:// URI to the DA3 output.
	AuxData string

	// BundleDir receives the result bundle. Blank skips packaging.
	BundleDir string
	Publish   bool
}

// Output is what a successful run produced. Absent artifacts are empty.
type Output struct {
	RunID     string
	InputDir  string
	OutputDir string

	// Viewer is the renderable artifact: the GLB, or the PLY without one.
	Viewer string
	GLB    string
	PLY    string
	Params string

	LogTail string
	// Previews are the staged RGB views in index order.
	Previews []string
	Views    []staging.View

	Bundle     string
	BundleSize int64
	BundleURL  string
}

// Runner holds the collaborators of a run.
type Runner struct {
	Provisioner Provisioner
	Extractor   segment.Extractor
	Tool        reconstruct.Tool
	// WorkDir is the parent of per-run staging directories.
	WorkDir string
	// Publisher is required only for requests with Publish set.
	Publisher Publisher
	// Objects fetches s3:// auxiliary data.
	Objects s3util.ObjectGetter

	NewRunID func() string
	Now      func() time.Time
}

// Run executes req. progress may be nil.
func (r *Runner) Run(ctx context.Context, req Request, progress ProgressFunc) (*Output, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	newRunID := r.NewRunID
	if newRunID == nil {
		newRunID = jobs.NewRunID
	}

	if err := r.preflight(req); err != nil {
		return nil, err
	}

	runID := newRunID()
	started := now()
	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().Int("views", len(req.Files)).Str("mask_label", req.MaskLabel).Msg("Pipeline started")

	progress(progressProvision, "Ensuring MV-SAM3D checkpoints")
	stageStart := time.Now()
	if err := r.Provisioner.Ensure(ctx); err != nil {
		return nil, err
	}
	if err := r.Provisioner.Link(r.toolRoot()); err != nil {
		return nil, runerr.Wrap(runerr.KindProvisioning, "pipeline", "link checkpoints", err)
	}
	recordStage("provision", runID, time.Since(stageStart))

	progress(progressStageStart, "Preparing inputs")
	stageStart = time.Now()
	staged, err := staging.Build(ctx, req.Files, req.MaskLabel, r.Extractor,
		staging.Options{Segment: req.Segment, BaseDir: r.WorkDir},
		func(f float64, desc string) {
			progress(progressStageStart+(progressReconstruct-progressStageStart)*f, desc)
		})
	if err != nil {
		return nil, err
	}
	metrics.Stage("staging").
		Duration("DurationMs", time.Since(stageStart)).
		Metric("Views", float64(len(staged.Views)), metrics.UnitCount).
		Property("runId", runID).
		Flush()

	auxPath, err := r.resolveAuxData(ctx, req, staged.WorkDir)
	if err != nil {
		return nil, err
	}

	progress(progressReconstruct, "Running MV-SAM3D")
	stageStart = time.Now()
	res, err := reconstruct.Run(ctx, r.Tool, reconstruct.Options{
		InputDir:        staged.InputDir,
		MaskLabel:       req.MaskLabel,
		ImageNames:      req.ImageNames,
		Stage1Weighting: req.Stage1Weighting,
		Stage2Weighting: req.Stage2Weighting,
		WeightSource:    req.WeightSource,
		AuxDataPath:     auxPath,
	})
	if err != nil {
		metrics.Stage("reconstruct").Count("Failures").Property("runId", runID).Flush()
		return nil, err
	}
	recordStage("reconstruct", runID, time.Since(stageStart))

	out := &Output{
		RunID:     runID,
		InputDir:  staged.InputDir,
		OutputDir: res.OutputDir,
		Viewer:    res.ViewerPath,
		GLB:       res.GLBPath,
		PLY:       res.PLYPath,
		Params:    res.ParamsPath,
		LogTail:   res.LogTail,
		Previews:  staged.ImagePaths,
		Views:     staged.Views,
	}

	if req.BundleDir != "" {
		progress(progressPackage, "Packaging results")
		if err := r.pack(ctx, req, out, started, now()); err != nil {
			return nil, err
		}
	}

	progress(progressDone, "Done")
	logger.Info().
		Str("output_dir", out.OutputDir).
		Str("viewer", out.Viewer).
		Str("bundle", out.Bundle).
		Dur("duration", now().Sub(started)).
		Msg("Pipeline finished")
	return out, nil
}

// preflight rejects requests that cannot succeed before any stage runs.
func (r *Runner) preflight(req Request) error {
	if len(req.Files) < staging.MinViews {
		return runerr.New(runerr.KindValidation, "pipeline",
			fmt.Sprintf("upload at least %d images (multi-view), got %d", staging.MinViews, len(req.Files)))
	}
	if err := staging.ValidateLabel(req.MaskLabel); err != nil {
		return err
	}
	if err := req.Segment.Validate(); err != nil {
		return err
	}
	if r.Provisioner == nil || r.Extractor == nil {
		return runerr.New(runerr.KindConfiguration, "pipeline", "runner is missing a provisioner or extractor")
	}

	// The input directory does not exist yet; only the weighting options are checked.
	if _, err := reconstruct.BuildArgs(r.Tool.Script, reconstruct.Options{
		InputDir:        "input",
		MaskLabel:       req.MaskLabel,
		Stage2Weighting: req.Stage2Weighting,
		WeightSource:    req.WeightSource,
		AuxDataPath:     req.AuxData,
	}); err != nil {
		return err
	}

	if req.AuxData != "" && r.auxNeeded(req) {
		if _, _, isS3 := s3util.ParseURI(req.AuxData); isS3 {
			if r.Objects == nil {
				return runerr.New(runerr.KindConfiguration, "pipeline", "S3 client required for "+req.AuxData)
			}
		} else if _, err := os.Stat(req.AuxData); err != nil {
			return runerr.Wrap(runerr.KindValidation, "pipeline", "auxiliary data file", err)
		}
	}

	if req.Publish {
		if req.BundleDir == "" {
			return runerr.New(runerr.KindConfiguration, "pipeline", "publishing requires a bundle directory")
		}
		if r.Publisher == nil {
			return runerr.New(runerr.KindConfiguration, "pipeline", "publishing requested but no bundle bucket is configured")
		}
	}
	return nil
}

func (r *Runner) auxNeeded(req Request) bool {
	return req.Stage2Weighting && req.WeightSource.NeedsAuxData()
}

// resolveAuxData returns the local path of the auxiliary data, downloading
// s3:// URIs into the run's work directory.
func (r *Runner) resolveAuxData(ctx context.Context, req Request, workDir string) (string, error) {
	if req.AuxData == "" || !r.auxNeeded(req) {
		return "", nil
	}
	bucket, key, ok := s3util.ParseURI(req.AuxData)
	if !ok {
		return req.AuxData, nil
	}

	local := filepath.Join(workDir, "aux", filepath.Base(key))
	if err := s3util.DownloadToFile(ctx, r.Objects, bucket, key, local); err != nil {
		return "", runerr.Wrap(runerr.KindRetrieval, "pipeline", "fetch "+req.AuxData, err)
	}
	log.Info().Str("uri", req.AuxData).Str("path", local).Msg("Auxiliary data downloaded")
	return local, nil
}

func (r *Runner) pack(ctx context.Context, req Request, out *Output, started, finished time.Time) error {
	stageStart := time.Now()

	manifest := bundle.Manifest{
		RunID:           out.RunID,
		StartedAt:       started,
		FinishedAt:      finished,
		MaskLabel:       req.MaskLabel,
		Prompt:          req.Segment.Prompt,
		PickMode:        string(req.Segment.PickMode),
		MaxMasks:        req.Segment.MaxMasks,
		ImageNames:      req.ImageNames,
		Stage1Weighting: req.Stage1Weighting,
		Stage2Weighting: req.Stage2Weighting,
		AuxData:         req.AuxData,
		OutputDir:       out.OutputDir,
		Views:           out.Views,
	}
	if req.Stage2Weighting {
		manifest.WeightSource = string(req.WeightSource)
	}

	path := filepath.Join(req.BundleDir, bundle.FileName(out.RunID))
	size, err := bundle.Write(path, manifest, []bundle.File{
		{Name: reconstruct.GLBName, Path: out.GLB},
		{Name: reconstruct.PLYName, Path: out.PLY},
		{Name: reconstruct.ParamsName, Path: out.Params},
	}, out.LogTail)
	if err != nil {
		return runerr.Wrap(runerr.KindPublish, "pipeline", "write bundle", err)
	}
	out.Bundle = path
	out.BundleSize = size

	if req.Publish {
		url, err := r.Publisher.Publish(ctx, out.RunID, path)
		if err != nil {
			return runerr.Wrap(runerr.KindPublish, "pipeline", "publish bundle", err)
		}
		out.BundleURL = url
	}

	metrics.Stage("bundle").
		Duration("DurationMs", time.Since(stageStart)).
		Metric("BundleBytes", float64(size), metrics.UnitBytes).
		Property("runId", out.RunID).
		Property("published", out.BundleURL != "").
		Flush()
	return nil
}

func (r *Runner) toolRoot() string {
	if r.Tool.Root != "" {
		return r.Tool.Root
	}
	return reconstruct.DefaultRoot
}

func recordStage(stage, runID string, d time.Duration) {
	metrics.Stage(stage).Duration("DurationMs", d).Property("runId", runID).Flush()
}
