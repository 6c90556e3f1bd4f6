package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fpang/mv3d-pipeline/internal/s3util"
)

// S3Publisher uploads bundles to <Prefix>/<run-id>/<file> and presigns a GET URL.
type S3Publisher struct {
	Client    s3util.ObjectPutter
	Presigner *s3.PresignClient
	Bucket    string
	Prefix    string
	TTL       time.Duration
}

// NewS3Publisher creates a publisher from S3 clients.
func NewS3Publisher(clients *s3util.Clients, prefix string, ttl time.Duration) *S3Publisher {
	return &S3Publisher{
		Client:    clients.Client,
		Presigner: clients.Presigner,
		Bucket:    clients.Bucket,
		Prefix:    prefix,
		TTL:       ttl,
	}
}

// Publish implements Publisher.
func (p *S3Publisher) Publish(ctx context.Context, runID, bundlePath string) (string, error) {
	key := s3util.BundleKey(p.Prefix, runID, filepath.Base(bundlePath))
	if err := s3util.UploadBundle(ctx, p.Client, p.Bucket, key, bundlePath); err != nil {
		return "", err
	}
	return s3util.GeneratePresignedURL(ctx, p.Presigner, p.Bucket, key, p.TTL)
}
