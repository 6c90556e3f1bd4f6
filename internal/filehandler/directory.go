package filehandler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScanOptions configures directory scanning behavior.
type ScanOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// Limit caps the number of images returned. 0 = unlimited.
	Limit int

	// AcceptVideos also admits orbit videos (see ExpandVideos).
	AcceptVideos bool
}

func (o ScanOptions) accepts(ext string) bool {
	return IsImage(ext) || (o.AcceptVideos && IsVideo(ext))
}

// ScanDirectory walks dirPath for supported view images.
// Symlinks to files are followed; symlinks to directories are skipped to prevent infinite loops.
// Results are in walk order; callers apply their own ordering.
func ScanDirectory(dirPath string, opts ScanOptions) ([]string, error) {
	log.Info().
		Str("path", dirPath).
		Int("max_depth", opts.MaxDepth).
		Int("limit", opts.Limit).
		Msg("Scanning directory for views")

	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dirPath)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dirPath)
	}

	// Convert to absolute path for consistent depth calculation
	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	var paths []string
	limitReached := false

	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil
		}

		if opts.MaxDepth > 0 {
			currentDepth := strings.Count(path, string(os.PathSeparator)) - baseDepth
			if d.IsDir() && currentDepth >= opts.MaxDepth {
				return fs.SkipDir
			}
		}

		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := filepath.EvalSymlinks(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to resolve symlink, skipping")
				return nil
			}
			targetInfo, err := os.Stat(linkTarget)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to stat symlink target, skipping")
				return nil
			}
			if targetInfo.IsDir() {
				log.Debug().Str("path", path).Msg("Skipping symlink to directory")
				return nil
			}
		}

		if opts.Limit > 0 && len(paths) >= opts.Limit {
			limitReached = true
			return fs.SkipAll
		}

		if !opts.accepts(filepath.Ext(d.Name())) {
			return nil
		}

		paths = append(paths, path)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	logEvent := log.Info().
		Int("total_views", len(paths)).
		Str("directory", dirPath)
	if limitReached {
		logEvent.Bool("limit_reached", true)
	}
	logEvent.Msg("Directory scan complete")

	return paths, nil
}

// CollectInputs expands command-line arguments into view file paths.
// Directories are scanned with opts; files must have a supported extension.
// Duplicates (after resolving to absolute paths) are dropped.
func CollectInputs(args []string, opts ScanOptions) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("input not found: %s", arg)
			}
			return nil, fmt.Errorf("failed to stat input: %w", err)
		}

		if info.IsDir() {
			found, err := ScanDirectory(arg, opts)
			if err != nil {
				return nil, err
			}
			for _, p := range found {
				add(p)
			}
			continue
		}

		if !opts.accepts(filepath.Ext(arg)) {
			return nil, fmt.Errorf("unsupported file extension: %s", arg)
		}
		add(arg)
	}

	return out, nil
}
