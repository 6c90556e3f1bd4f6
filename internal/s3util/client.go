// Package s3util publishes result bundles to S3 and fetches auxiliary inputs
// stored there.
package s3util

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Clients holds the S3 client, presigner, and bucket name.
type Clients struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
	Bucket    string
}

// NewClients loads the default AWS config (environment, shared config,
// instance role) and creates the S3 clients for bucket.
func NewClients(ctx context.Context, bucket string) (*Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Str("bucket", bucket).Msg("AWS config loaded")
	return NewClientsFromConfig(cfg, bucket), nil
}

// NewClientsFromConfig creates the S3 clients from an existing config.
func NewClientsFromConfig(cfg aws.Config, bucket string) *Clients {
	client := s3.NewFromConfig(cfg)
	return &Clients{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    bucket,
	}
}
