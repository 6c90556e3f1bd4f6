package filehandler

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SupportedVideoExtensions lists orbit-video containers accepted when video
// views are enabled.
var SupportedVideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// IsVideo returns true if the file extension corresponds to a supported video.
func IsVideo(ext string) bool {
	_, ok := SupportedVideoExtensions[strings.ToLower(ext)]
	return ok
}

// VideoMetadata holds the stream properties needed to sample views from
// an orbit video.
//
// ffprobe is used because pure Go libraries for video metadata only expose
// raw container atoms.
type VideoMetadata struct {
	Duration  time.Duration
	Width     int
	Height    int
	FrameRate float64
	Codec     string

	DeviceMake  string
	DeviceModel string

	CreateDate time.Time
	HasDate    bool
}

// CheckFFprobeAvailable checks if ffprobe is available in the system PATH.
func CheckFFprobeAvailable() error {
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		return fmt.Errorf("ffprobe not found in PATH: video inputs are unavailable. Install FFmpeg with: brew install ffmpeg (macOS) or apt install ffmpeg (Linux)")
	}
	log.Debug().Str("path", path).Msg("ffprobe found")
	return nil
}

// ffprobeOutput represents the JSON structure from ffprobe.
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string            `json:"duration"`
	Tags     map[string]string `json:"tags"`
}

type ffprobeStream struct {
	CodecName  string            `json:"codec_name"`
	CodecType  string            `json:"codec_type"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	RFrameRate string            `json:"r_frame_rate"`
	Duration   string            `json:"duration"`
	Tags       map[string]string `json:"tags"`
}

// ExtractVideoMetadata probes a video file with ffprobe.
func ExtractVideoMetadata(filePath string) (*VideoMetadata, error) {
	log.Debug().Str("path", filePath).Msg("Extracting video metadata using ffprobe")

	if err := CheckFFprobeAvailable(); err != nil {
		return nil, err
	}

	cmd := exec.Command("ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	metadata, err := parseProbe(output)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("path", filePath).
		Dur("duration", metadata.Duration).
		Int("width", metadata.Width).
		Int("height", metadata.Height).
		Float64("frame_rate", metadata.FrameRate).
		Str("codec", metadata.Codec).
		Msg("Video metadata extracted via ffprobe")

	return metadata, nil
}

// parseProbe converts ffprobe JSON into VideoMetadata. The format duration
// wins over the video stream's.
func parseProbe(output []byte) (*VideoMetadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	metadata := &VideoMetadata{}
	metadata.Duration = parseSeconds(probe.Format.Duration)

	for key, value := range probe.Format.Tags {
		switch strings.ToLower(key) {
		case "creation_time":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				metadata.CreateDate = t
				metadata.HasDate = true
			}
		case "com.android.manufacturer", "make", "com.apple.quicktime.make":
			if metadata.DeviceMake == "" {
				metadata.DeviceMake = value
			}
		case "com.android.model", "model", "com.apple.quicktime.model":
			if metadata.DeviceModel == "" {
				metadata.DeviceModel = value
			}
		}
	}

	for _, stream := range probe.Streams {
		if stream.CodecType != "video" || metadata.Codec != "" {
			continue
		}
		metadata.Width = stream.Width
		metadata.Height = stream.Height
		metadata.Codec = stream.CodecName
		metadata.FrameRate = parseFrameRate(stream.RFrameRate)
		if metadata.Duration == 0 {
			metadata.Duration = parseSeconds(stream.Duration)
		}
		if !metadata.HasDate {
			if ct, ok := stream.Tags["creation_time"]; ok {
				if t, err := time.Parse(time.RFC3339, ct); err == nil {
					metadata.CreateDate = t
					metadata.HasDate = true
				}
			}
		}
	}

	if metadata.Codec == "" {
		return nil, fmt.Errorf("no video stream found")
	}
	return metadata, nil
}

func parseSeconds(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// parseFrameRate parses frame rate from ffprobe format (e.g., "60/1" -> 60.0)
func parseFrameRate(value string) float64 {
	parts := strings.Split(value, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
	}
	rate, _ := strconv.ParseFloat(value, 64)
	return rate
}
