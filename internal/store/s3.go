package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pitabwire/evalflow/model"
)

// S3API is the subset of the S3 client used by S3ArtifactStore.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3ArtifactStore stores artifacts as objects under an optional key prefix.
type S3ArtifactStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3ArtifactStore creates a store for the given bucket and prefix.
func NewS3ArtifactStore(client S3API, bucket, prefix string) *S3ArtifactStore {
	return &S3ArtifactStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3ArtifactStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads the artifact.
func (s *S3ArtifactStore) Put(ctx context.Context, art model.Artifact) error {
	if art.Key == "" {
		return fmt.Errorf("artifact key is required")
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(art.Key)),
		Body:          bytes.NewReader(art.Data),
		ContentLength: aws.Int64(int64(len(art.Data))),
	}
	if art.ContentType != "" {
		in.ContentType = aws.String(art.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, art.Key, err)
	}
	return nil
}

// Get downloads the artifact.
func (s *S3ArtifactStore) Get(ctx context.Context, key string) (model.Artifact, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return model.Artifact{}, fmt.Errorf("artifact %q: %w", key, ErrNotFound)
		}
		return model.Artifact{}, fmt.Errorf("s3 get %s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("read %s/%s: %w", s.bucket, key, err)
	}
	return model.Artifact{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Data:        data,
	}, nil
}

// HealthCheck checks that the bucket is reachable.
func (s *S3ArtifactStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
