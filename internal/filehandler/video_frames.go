package filehandler

// video_frames.go samples evenly spaced views from an orbit video with ffmpeg.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// FrameJPEGQuality is the ffmpeg qscale for extracted views; 2 is near lossless.
const FrameJPEGQuality = 2

// MaxVideoViews caps how many views are sampled from one video.
const MaxVideoViews = 120

// ExtractViewFrames writes count evenly spaced frames of videoPath into
// outDir as <stem>_001.jpg ... and returns their paths in order.
func ExtractViewFrames(ctx context.Context, videoPath string, count int, outDir string) ([]string, error) {
	return extractFrames(ctx, videoPath, videoStem(videoPath), count, outDir)
}

func extractFrames(ctx context.Context, videoPath, name string, count int, outDir string) ([]string, error) {
	if count < 1 || count > MaxVideoViews {
		return nil, fmt.Errorf("video views must be between 1 and %d, got %d", MaxVideoViews, count)
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: video inputs require ffmpeg: %w", err)
	}

	metadata, err := ExtractVideoMetadata(videoPath)
	if err != nil {
		return nil, err
	}
	if metadata.Duration <= 0 {
		return nil, fmt.Errorf("video has no duration: %s", filepath.Base(videoPath))
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	pattern := filepath.Join(outDir, name+"_%03d.jpg")
	args := buildFrameArgs(videoPath, pattern, count, metadata.Duration.Seconds())

	log.Info().
		Str("video", filepath.Base(videoPath)).
		Int("views", count).
		Dur("duration", metadata.Duration).
		Msg("Sampling views from video")

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("frame extraction failed: %w\nOutput: %s", err, string(output))
	}

	paths, err := collectFramePaths(outDir, name)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames extracted from video: %s", filepath.Base(videoPath))
	}

	log.Info().Int("frames", len(paths)).Str("dir", outDir).Msg("Video views extracted")
	return paths, nil
}

// buildFrameArgs samples count frames at a constant rate spanning the video.
func buildFrameArgs(videoPath, pattern string, count int, durationSeconds float64) []string {
	rate := float64(count) / durationSeconds
	return []string{
		"-i", videoPath,
		"-vf", "fps=" + strconv.FormatFloat(rate, 'f', 6, 64),
		"-frames:v", strconv.Itoa(count),
		"-qscale:v", strconv.Itoa(FrameJPEGQuality),
		"-y", pattern,
	}
}

// collectFramePaths returns the sorted paths of name_NNN.jpg in dir.
func collectFramePaths(frameDir, name string) ([]string, error) {
	entries, err := os.ReadDir(frameDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	frame := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `_\d{3,}\.jpg$`)
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && frame.MatchString(entry.Name()) {
			paths = append(paths, filepath.Join(frameDir, entry.Name()))
		}
	}

	// Zero-padded names sort in frame order.
	sort.Strings(paths)

	return paths, nil
}

func videoStem(videoPath string) string {
	return strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
}

// ExpandVideos replaces every video in paths with count views sampled from
// it, written under frameDir. Images pass through unchanged. Videos sharing
// a base name get numbered frame names (orbit, orbit-2, ...).
func ExpandVideos(ctx context.Context, paths []string, count int, frameDir string) ([]string, error) {
	out := make([]string, 0, len(paths))
	used := make(map[string]bool)
	for _, p := range paths {
		if !IsVideo(filepath.Ext(p)) {
			out = append(out, p)
			continue
		}

		stem := videoStem(p)
		name := stem
		for n := 2; used[name]; n++ {
			name = stem + "-" + strconv.Itoa(n)
		}
		used[name] = true

		frames, err := extractFrames(ctx, p, name, count, frameDir)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}
