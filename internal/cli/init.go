package cli

import (
	"github.com/fpang/mv3d-pipeline/internal/auth"
	"github.com/fpang/mv3d-pipeline/internal/config"
	"github.com/fpang/mv3d-pipeline/internal/segment"
	"github.com/rs/zerolog/log"
)

// InitSegmenter resolves the fal API key and creates the segmentation client.
func InitSegmenter(cfg *config.Config) (*segment.Client, error) {
	apiKey, err := auth.GetCredential(auth.FalKeyEnv)
	if err != nil {
		return nil, err
	}

	client := segment.NewClient(apiKey, cfg.Fal())
	log.Info().
		Str("app", cfg.FalApp).
		Str("upload_mode", string(cfg.UploadMode)).
		Msg("fal client initialized")
	return client, nil
}
