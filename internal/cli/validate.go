package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/fpang/mv3d-pipeline/internal/filehandler"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/fpang/mv3d-pipeline/internal/staging"
	"github.com/rs/zerolog/log"
)

// ResolveDirectory checks that the path exists and is a directory, then
// returns the absolute path.
func ResolveDirectory(dirPath string) (string, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", runerr.New(runerr.KindValidation, "cli", "directory not found: "+dirPath)
		}
		return "", runerr.Wrap(runerr.KindValidation, "cli", "failed to access directory", err)
	}
	if !info.IsDir() {
		return "", runerr.New(runerr.KindValidation, "cli", "path is not a directory: "+dirPath)
	}

	absPath, err := filepath.Abs(dirPath)
	if err == nil {
		dirPath = absPath
	}

	return dirPath, nil
}

// ResolveInputs expands file and directory arguments into view paths.
// When videoViews is positive, videos are accepted too and each is replaced
// by that many sampled frames, written to a fresh directory under workDir.
// Unreadable or unsupported inputs, and fewer than two views, are
// validation errors.
func ResolveInputs(ctx context.Context, args []string, opts filehandler.ScanOptions, videoViews int, workDir string) ([]string, error) {
	opts.AcceptVideos = videoViews > 0
	files, err := filehandler.CollectInputs(args, opts)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindValidation, "cli", "collect inputs", err)
	}
	if len(files) == 0 {
		return nil, runerr.New(runerr.KindValidation, "cli", fmt.Sprintf("no supported images found in %v", args))
	}

	if slices.ContainsFunc(files, func(p string) bool { return filehandler.IsVideo(filepath.Ext(p)) }) {
		frameDir, err := os.MkdirTemp(workDir, "mv_frames_")
		if err != nil {
			return nil, fmt.Errorf("create frame directory: %w", err)
		}
		files, err = filehandler.ExpandVideos(ctx, files, videoViews, frameDir)
		if err != nil {
			return nil, runerr.Wrap(runerr.KindValidation, "cli", "sample video views", err)
		}
	}

	if len(files) < staging.MinViews {
		return nil, runerr.New(runerr.KindValidation, "cli",
			fmt.Sprintf("upload at least %d images (multi-view), got %d", staging.MinViews, len(files)))
	}

	log.Debug().Int("views", len(files)).Strs("args", args).Msg("Inputs resolved")
	return files, nil
}
