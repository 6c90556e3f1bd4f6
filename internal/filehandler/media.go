// Package filehandler discovers view images on disk and reads the camera
// metadata attached to them.
//
// Inputs may be given as individual files or as directories; directories are
// walked for supported image extensions. Ordering is left to the caller
// (staging applies natural sort on base names).
package filehandler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// SupportedImageExtensions maps accepted view extensions to MIME types.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".heif": "image/heif",
}

// ViewFile is one candidate input view.
type ViewFile struct {
	Path     string
	MIMEType string
	Size     int64
	Metadata *ImageMetadata
}

// LoadViewFile stats a view on disk and extracts its EXIF metadata when
// available. Missing metadata is not an error.
func LoadViewFile(filePath string) (*ViewFile, error) {
	log.Debug().Str("path", filePath).Msg("Loading view file")

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", filePath)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	mimeType, err := GetMIMEType(ext)
	if err != nil {
		return nil, err
	}

	view := &ViewFile{
		Path:     filePath,
		MIMEType: mimeType,
		Size:     info.Size(),
	}

	meta, err := ExtractImageMetadata(filePath)
	if err != nil {
		log.Debug().Err(err).Str("path", filePath).Msg("No EXIF metadata, continuing without it")
	} else {
		view.Metadata = meta
	}

	return view, nil
}

// GetMIMEType returns the MIME type for a given file extension.
func GetMIMEType(ext string) (string, error) {
	if mimeType, ok := SupportedImageExtensions[strings.ToLower(ext)]; ok {
		return mimeType, nil
	}
	return "", fmt.Errorf("unsupported file extension: %s", ext)
}

// IsImage returns true if the file extension corresponds to a supported view image.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}
