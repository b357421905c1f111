// Package objectstore uploads generated artifacts to an S3-compatible
// bucket (spec.md §4.4 step 5a), keyed jen1/artifacts/job-{jobId}.{ext}.
// Grounded on other_examples/manifests/apresai-podcaster's aws-sdk-go-v2
// dependency; no full client-wiring source exists in the corpus, so
// construction follows the SDK's own documented config.LoadDefaultConfig +
// s3.NewFromConfig idiom.
package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

// Store uploads artifact bytes to a fixed bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New loads the default AWS config for region and constructs a Store.
// Returns (nil, nil) if bucket is empty — callers treat a nil Store as
// "artifact persistence disabled" (spec.md's writeArtifacts=false path).
func New(ctx context.Context, bucket, region string) (*Store, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Upload persists body under jen1/artifacts/job-{jobID}.{ext} and returns a
// reference URL. Failures are non-fatal to the caller (ArtifactPersistError,
// spec.md §4.4/§7) — the worker still completes the job without an
// artifactUrl.
func (s *Store) Upload(ctx context.Context, jobID, ext string, body []byte) (string, error) {
	key := fmt.Sprintf("jen1/artifacts/job-%s.%s", jobID, ext)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", apperr.ArtifactPersist(err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
