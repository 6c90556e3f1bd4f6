// Package bundle packages the artifacts of a reconstruction run into a
// single zstd-compressed ZIP together with the tool log tail and a JSON
// manifest describing how the run was produced.
package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/staging"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// MethodZstd is the ZIP compression method ID for Zstandard.
const MethodZstd uint16 = 93

const (
	ManifestName = "manifest.json"
	LogTailName  = "log_tail.txt"
)

func init() {
	zip.RegisterCompressor(MethodZstd, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	})
	zip.RegisterDecompressor(MethodZstd, zstd.ZipDecompressor())
}

// Manifest records one run.
type Manifest struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	MaskLabel string `json:"mask_label"`
	Prompt    string `json:"prompt,omitempty"`
	PickMode  string `json:"pick_mode"`
	MaxMasks  int    `json:"max_masks"`

	ImageNames      string `json:"image_names,omitempty"`
	Stage1Weighting bool   `json:"stage1_weighting"`
	Stage2Weighting bool   `json:"stage2_weighting"`
	WeightSource    string `json:"weight_source,omitempty"`
	AuxData         string `json:"aux_data,omitempty"`

	OutputDir string         `json:"output_dir"`
	Views     []staging.View `json:"views"`
	// Artifacts is filled by Write with the entry names of the bundled files.
	Artifacts []string `json:"artifacts"`
}

// File is one artifact to bundle. Name is the entry name in the archive.
type File struct {
	Name string
	Path string
}

// FileName returns the bundle file name for a run id, keeping only
// characters that are safe in file names and object keys.
func FileName(runID string) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, runID)
	if name == "" {
		name = "mv3d"
	}
	return name + ".zip"
}

// Write creates the bundle at path and returns its size. Files with an
// empty Path are skipped. The archive is written beside path and renamed
// into place once complete.
func Write(path string, m Manifest, files []File, logTail string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create bundle directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".bundle-*.zip")
	if err != nil {
		return 0, fmt.Errorf("create temp ZIP: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	zipWriter := zip.NewWriter(tmpFile)
	now := time.Now()

	m.Artifacts = make([]string, 0, len(files))
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if err := addFile(zipWriter, f, now); err != nil {
			tmpFile.Close()
			return 0, err
		}
		m.Artifacts = append(m.Artifacts, f.Name)
	}

	if err := addBytes(zipWriter, LogTailName, []byte(logTail), now); err != nil {
		tmpFile.Close()
		return 0, err
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("encode manifest: %w", err)
	}
	if err := addBytes(zipWriter, ManifestName, manifest, now); err != nil {
		tmpFile.Close()
		return 0, err
	}

	if err := zipWriter.Close(); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("close ZIP writer: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("close ZIP file: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("stat ZIP file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("move ZIP into place: %w", err)
	}

	log.Info().
		Str("path", path).
		Int64("size_bytes", info.Size()).
		Strs("artifacts", m.Artifacts).
		Msg("Result bundle written")
	return info.Size(), nil
}

func addFile(zw *zip.Writer, f File, modTime time.Time) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()

	if info, err := src.Stat(); err == nil {
		modTime = info.ModTime()
	}

	w, err := createEntry(zw, f.Name, modTime)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write to ZIP for %s: %w", f.Name, err)
	}
	return nil
}

func addBytes(zw *zip.Writer, name string, data []byte, modTime time.Time) error {
	w, err := createEntry(zw, name, modTime)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write to ZIP for %s: %w", name, err)
	}
	return nil
}

func createEntry(zw *zip.Writer, name string, modTime time.Time) (io.Writer, error) {
	header := &zip.FileHeader{
		Name:   name,
		Method: MethodZstd,
	}
	header.SetModTime(modTime)

	w, err := zw.CreateHeader(header)
	if err != nil {
		return nil, fmt.Errorf("create ZIP entry for %s: %w", name, err)
	}
	return w, nil
}
