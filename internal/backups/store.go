// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backups

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
)

// defaultRegion is used when the bucket config names none; S3
// compatible stores usually ignore it.
const defaultRegion = "us-east-1"

// Object describes a stored object.
type Object struct {
	Key      string
	Modified time.Time
}

// ObjectStore holds backups.
type ObjectStore interface {
	// Put stores the content of r under key.
	Put(ctx context.Context, key string, r io.ReadSeeker) error

	// Get returns the content stored under key, or an error satisfying
	// errors.NotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
}

// S3API is the part of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store is an ObjectStore backed by an S3 bucket.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store returns a store for the configured bucket.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Annotate(err, "loading s3 client config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.URIStyle == "path"
	})
	return NewS3StoreWithClient(client, cfg.Bucket), nil
}

// NewS3StoreWithClient returns a store using client.
func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put is part of the ObjectStore interface.
func (s *S3Store) Put(ctx context.Context, key string, r io.ReadSeeker) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	return errors.Annotatef(err, "uploading %s to bucket %s", key, s.bucket)
}

// Get is part of the ObjectStore interface.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNoSuchKey(err) {
		return nil, errors.NotFoundf("object %s in bucket %s", key, s.bucket)
	} else if err != nil {
		return nil, errors.Annotatef(err, "downloading %s from bucket %s", key, s.bucket)
	}
	return out.Body, nil
}

// List is part of the ObjectStore interface.
func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "listing bucket %s", s.bucket)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:      aws.ToString(obj.Key),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound" || strings.HasSuffix(code, "404")
}
