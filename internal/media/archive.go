package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reply-correlator/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver copies matched artifacts into object storage.
type Archiver struct {
	fetcher  Fetcher
	uploader uploader
	maxBytes int64
}

// NewArchiver returns nil when no bucket is configured.
func NewArchiver(ctx context.Context, cfg config.Config, fetcher Fetcher) (*Archiver, error) {
	if cfg.ArtifactS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newArchiver(fetcher, &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}, cfg.MediaMaxBytes), nil
}

func newArchiver(fetcher Fetcher, up uploader, maxBytes int64) *Archiver {
	if maxBytes == 0 {
		maxBytes = 512 * 1024 * 1024
	}
	return &Archiver{fetcher: fetcher, uploader: up, maxBytes: maxBytes}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Archive fetches the artifact on messageID and stores it under the job.
// It returns the object location.
func (a *Archiver) Archive(ctx context.Context, jobID, messageID string) (string, error) {
	d, err := a.fetcher.Fetch(ctx, messageID)
	if err != nil {
		return "", err
	}
	defer d.Body.Close()

	body, err := io.ReadAll(io.LimitReader(d.Body, a.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return "", fmt.Errorf("artifact too large (>%d bytes)", a.maxBytes)
	}

	contentType := d.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	loc, err := a.uploader.Upload(ctx, objectKey(jobID, messageID, contentType), body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

func objectKey(jobID, messageID, contentType string) string {
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	return path.Join("artifacts", jobID, messageID+ext)
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
