package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores one archive document and returns its public address.
type Uploader interface {
	Upload(ctx context.Context, path string, body []byte) (string, error)
}

// Config for the S3 uploader. Endpoint is optional and enables
// S3-compatible stores (MinIO, R2); PublicBaseURL overrides the returned
// address when archives are served from a CDN or proxy.
type Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	PublicBaseURL string
}

type S3Uploader struct {
	client *s3.Client
	cfg    Config
}

var (
	initMu sync.Mutex
	shared *S3Uploader
)

// NewS3Uploader builds the process-wide S3 client. The underlying SDK client
// pools HTTP connections, so one instance is shared by every connection and
// job in the process; repeated calls return the first instance.
func NewS3Uploader(ctx context.Context, cfg Config) (*S3Uploader, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if shared != nil {
		return shared, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	shared = &S3Uploader{client: client, cfg: cfg}
	return shared, nil
}

func (u *S3Uploader) Upload(ctx context.Context, path string, body []byte) (string, error) {
	contentType := "application/json"

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.cfg.Bucket,
		Key:         &path,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}

	return u.objectURL(path), nil
}

func (u *S3Uploader) objectURL(path string) string {
	if u.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(u.cfg.PublicBaseURL, "/") + "/" + path
	}
	if u.cfg.Endpoint != "" {
		return strings.TrimSuffix(u.cfg.Endpoint, "/") + "/" + u.cfg.Bucket + "/" + path
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, path)
}
