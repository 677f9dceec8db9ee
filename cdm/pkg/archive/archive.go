// Package archive resolves a vocabulary archive location to a local file.
// Local paths are used in place. s3:// URIs are downloaded to a temporary
// file that the returned cleanup removes.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectGetter is the part of the S3 client used for downloads.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Logger *slog.Logger

	// TempDir holds downloaded archives. Empty means os.TempDir.
	TempDir string

	// NewS3 builds the S3 client on first use. Defaults to the SDK default
	// credential chain.
	NewS3 func(ctx context.Context) (ObjectGetter, error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.NewS3 == nil {
		cfg.NewS3 = defaultS3
	}
	return nil
}

type Fetcher struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{log: cfg.Logger, cfg: cfg}, nil
}

// Fetch returns a local path for src. The caller must call cleanup once the
// file is no longer needed.
func (f *Fetcher) Fetch(ctx context.Context, src string) (string, func(), error) {
	if !IsS3URI(src) {
		info, err := os.Stat(src)
		if err != nil {
			return "", nil, fmt.Errorf("failed to stat vocabulary archive: %w", err)
		}
		if !info.Mode().IsRegular() {
			return "", nil, fmt.Errorf("vocabulary archive %s is not a regular file", src)
		}
		return src, func() {}, nil
	}

	bucket, key, err := ParseS3URI(src)
	if err != nil {
		return "", nil, err
	}

	client, err := f.cfg.NewS3(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(f.cfg.TempDir, "omop-vocab-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.log.Warn("failed to remove temporary archive", "path", tmp.Name(), "error", err)
		}
	}

	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}

	f.log.Info("downloaded vocabulary archive", "bucket", bucket, "key", key, "bytes", n, "path", tmp.Name())
	return tmp.Name(), cleanup, nil
}

// IsS3URI reports whether src names an S3 object.
func IsS3URI(src string) bool {
	return strings.HasPrefix(strings.ToLower(src), "s3://")
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse S3 URI: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("not an S3 URI: %q", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("S3 URI must name a bucket and key: %q", uri)
	}
	return u.Host, key, nil
}

func defaultS3(ctx context.Context) (ObjectGetter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}
