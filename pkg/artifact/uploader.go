// Package artifact publishes result rasters to S3-compatible object
// storage after a successful local pipeline run, so remote and local
// executions surface results the same way (URLs, not host paths).
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/pkg/insar"
	"github.com/sentryal/sarpipe/pkg/jobstore"
)

// ErrNotConfigured means upload was requested without a bucket.
var ErrNotConfigured = errors.New("artifact storage not configured")

// Config locates the destination bucket. Custom endpoints cover
// S3-compatible stores (MinIO, R2).
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Uploader pushes pipeline products to object storage.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New builds an uploader using the SDK's default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.ForcePathStyle
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.Named("artifact"),
	}, nil
}

// UploadProducts pushes every non-empty product raster and returns the
// result set with object URLs filled in. Rasters keep their basenames
// under <prefix>/<jobID>/.
func (u *Uploader) UploadProducts(ctx context.Context, jobID string, products insar.Products) (*jobstore.ResultSet, error) {
	results := &jobstore.ResultSet{}

	uploads := []struct {
		localPath string
		dest      *string
	}{
		{products.Interferogram, &results.InterferogramURL},
		{products.Coherence, &results.CoherenceURL},
		{products.Unwrapped, &results.UnwrappedURL},
		{products.Displacement, &results.DisplacementURL},
	}

	for _, up := range uploads {
		if up.localPath == "" {
			continue
		}
		url, err := u.uploadFile(ctx, jobID, up.localPath)
		if err != nil {
			return nil, err
		}
		*up.dest = url
	}
	return results, nil
}

func (u *Uploader) uploadFile(ctx context.Context, jobID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer f.Close()

	key := path.Join(u.prefix, jobID, filepath.Base(localPath))
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("upload %s: %s: %s", key, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	url := "s3://" + u.bucket + "/" + key
	u.logger.Info("artifact uploaded",
		zap.String("job_id", jobID),
		zap.String("url", url))
	return url, nil
}
