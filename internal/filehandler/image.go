package filehandler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// ImageMetadata is the subset of EXIF data recorded per view in the run
// manifest. It helps explain a bad reconstruction (mixed cameras, views
// shot on different days) without opening the originals.
type ImageMetadata struct {
	CameraMake  string
	CameraModel string

	DateTaken time.Time
	HasDate   bool
}

// ExtractImageMetadata reads EXIF metadata from an image file using the
// imagemeta library. Only the metadata block is read, not the pixel data.
func ExtractImageMetadata(filePath string) (*ImageMetadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	exifData, err := imagemeta.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	metadata := &ImageMetadata{
		CameraMake:  strings.TrimSpace(exifData.Make),
		CameraModel: strings.TrimSpace(exifData.Model),
	}

	// Priority: DateTimeOriginal > CreateDate > ModifyDate
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		metadata.DateTaken = exifData.DateTimeOriginal()
		metadata.HasDate = true
	case !exifData.CreateDate().IsZero():
		metadata.DateTaken = exifData.CreateDate()
		metadata.HasDate = true
	case !exifData.ModifyDate().IsZero():
		metadata.DateTaken = exifData.ModifyDate()
		metadata.HasDate = true
	}

	log.Debug().
		Str("path", filePath).
		Str("camera", metadata.Camera()).
		Bool("has_date", metadata.HasDate).
		Msg("View metadata extracted")

	return metadata, nil
}

// Camera returns "Make Model", or an empty string when neither is known.
func (m *ImageMetadata) Camera() string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.CameraMake + " " + m.CameraModel)
}
