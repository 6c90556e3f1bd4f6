package imageio

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// decodeHEIC converts a HEIC/HEIF file to a temporary PNG with ffmpeg and
// decodes it. There is no pure Go HEIC decoder, so ffmpeg must be on PATH.
func decodeHEIC(path string) (image.Image, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: HEIC decoding requires ffmpeg")
	}

	tmpFile, err := os.CreateTemp("", "view-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	// ffmpeg -i input.heic -frames:v 1 -y output.png
	cmd := exec.Command(ffmpegPath,
		"-i", path,
		"-frames:v", "1",
		"-y", tmpPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg HEIC conversion failed: %w: %s", err, string(output))
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted image: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode converted image: %w", err)
	}

	log.Debug().
		Str("file", filepath.Base(path)).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("HEIC view converted with ffmpeg")

	return img, nil
}
