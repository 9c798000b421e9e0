package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client abstracts the S3 API operations used by [S3Store].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config carries the connection settings for an S3-compatible store.
type S3Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible hosts
	// (MinIO, R2, Supabase storage). Empty means real AWS.
	Endpoint string

	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Bucket holding all avatar media and generated artifacts.
	Bucket string

	// PublicBaseURL is the prefix public artifact URLs are built from.
	// Empty derives path-style URLs from Endpoint and Bucket.
	PublicBaseURL string
}

// S3Store implements Store backed by Amazon S3 or any S3-compatible object
// store. All artifact keys live in a single bucket.
type S3Store struct {
	client    S3Client
	bucket    string
	publicURL string
}

var _ Store = (*S3Store)(nil)

// NewS3 builds an S3Store from config, loading the default AWS credential
// chain and overriding it with static keys when provided.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Compatible stores rarely support virtual-host addressing.
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg), nil
}

// NewS3WithClient wraps a pre-configured client. Tests inject fakes here.
func NewS3WithClient(client S3Client, cfg S3Config) *S3Store {
	public := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if public == "" && cfg.Endpoint != "" {
		public = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &S3Store{client: client, bucket: cfg.Bucket, publicURL: public}
}

// Upload writes body under key with IfNoneMatch so an occupied key fails
// instead of being overwritten.
func (s *S3Store) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return "", fmt.Errorf("blob: upload %s: %w", key, ErrKeyExists)
		}
		return "", fmt.Errorf("blob: upload %s: %w", key, err)
	}
	return s.URL(key), nil
}

func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("blob: download %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("blob: download %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: download %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object. S3 DeleteObject is idempotent, so deleting a
// missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blob: head %s: %w", key, err)
	}
	return true, nil
}

// URL returns the public URL for a key under the configured base.
func (s *S3Store) URL(key string) string {
	if s.publicURL == "" {
		return key
	}
	return s.publicURL + "/" + key
}

// isS3NotFound reports whether err indicates the object does not exist.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// isPreconditionFailed reports whether a conditional PutObject lost to an
// existing object.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
