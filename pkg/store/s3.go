package store

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
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

// S3 is the Store backend for S3 and S3-compatible object stores.
type S3 struct {
	cfg    Config
	awscfg aws.Config
	client *s3.Client
	retry  RetryPolicy
}

func init() {
	Register("s3", func(cfg Config) (Store, error) {
		return NewS3(cfg)
	})
}

// NewS3 builds an S3 handle. CheckAccess must run before use.
func NewS3(cfg Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	s := &S3{cfg: cfg, awscfg: awscfg, retry: cfg.Retry}
	s.client = s.newClient()
	return s, nil
}

func (s *S3) newClient() *s3.Client {
	return s3.NewFromConfig(s.awscfg, func(o *s3.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

func (s *S3) key(path string) string {
	return s.cfg.Volume + "/" + path
}

// CheckAccess implements Store. Credential and bucket errors are
// permanent; everything else retries.
func (s *S3) CheckAccess() error {
	err := s.retry.run(func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.cfg.Bucket),
		})
		if err == nil {
			return nil
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return backoff.Permanent(ErrNoSuchBucket)
		}
		if code := apiErrorCode(err); code == "AccessDenied" || code == "Forbidden" || code == "InvalidAccessKeyId" || code == "SignatureDoesNotMatch" {
			return backoff.Permanent(ErrAccessDenied)
		}
		return err
	})
	return err
}

// Get implements Store.
func (s *S3) Get(path string) ([]byte, error) {
	var data []byte
	err := s.retry.run(func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(path)),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) || apiErrorCode(err) == "NotFound" {
				return backoff.Permanent(ErrNotExist)
			}
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set implements Store.
func (s *S3) Set(path string, data []byte) error {
	return s.retry.run(func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(path)),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

// Delete implements Store. S3 deletes are idempotent already.
func (s *S3) Delete(path string) error {
	return s.retry.run(func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(path)),
		})
		if apiErrorCode(err) == "NoSuchKey" {
			return nil
		}
		return err
	})
}

// List implements Store.
func (s *S3) List(prefix string, fn func(path string) error) error {
	fullPrefix := s.key(prefix)
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := s.retry.run(func(ctx context.Context) error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.cfg.Bucket),
				Prefix:            aws.String(fullPrefix),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			path := strings.TrimPrefix(aws.ToString(obj.Key), s.cfg.Volume+"/")
			if err := fn(path); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// Clone implements Store. The clone gets its own client over the shared
// immutable AWS config, so workers never contend on transport state.
func (s *S3) Clone() Store {
	clone := &S3{cfg: s.cfg, awscfg: s.awscfg, retry: s.retry}
	clone.client = clone.newClient()
	return clone
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
