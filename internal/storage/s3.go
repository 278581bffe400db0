package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Region is the AWS region for the bucket.
	Region string
	// Endpoint is an optional custom endpoint for S3-compatible stores
	// (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing, required by most
	// S3-compatible stores.
	UsePathStyle bool
	// MultipartConfig tunes multipart uploads.
	MultipartConfig MultipartUploadConfig
}

// DefaultS3Config returns defaults suitable for AWS proper.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
	}
}

// S3Storage publishes run artifacts to an S3 bucket. Artifact objects
// are written once under run-scoped keys and never rewritten, so every
// operation is safe to retry.
type S3Storage struct {
	client  *s3.Client
	bucket  string
	cfg     S3Config
	retries int
}

// NewS3Storage creates an S3 storage client. Credentials resolve
// through the SDK's default chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Storage{
		client:  client,
		bucket:  bucket,
		cfg:     cfg,
		retries: 3,
	}, nil
}

// Upload copies a local file to objectPath.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	err = s.withRetries(ctx, func() error {
		// A failed attempt may have consumed part of the file.
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

// UploadMultipart uploads a file in parts and returns the resulting
// ETag. Files at or under one part size fall back to a simple upload.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	size := stat.Size()
	if size <= s.cfg.MultipartConfig.PartSize {
		if err := s.Upload(ctx, localPath, objectPath); err != nil {
			return "", err
		}
		return s.headETag(ctx, objectPath)
	}

	var etag string
	err = s.withRetries(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var upErr error
		etag, upErr = s.uploadParts(ctx, file, size, objectPath)
		return upErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return etag, nil
}

// uploadParts runs one complete multipart protocol exchange. Any part
// failure aborts the upload so the bucket accrues no orphaned parts.
func (s *S3Storage) uploadParts(ctx context.Context, file *os.File, size int64, objectPath string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	abort := func() {
		_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(objectPath),
			UploadId: uploadID,
		})
	}

	partSize := s.cfg.MultipartConfig.PartSize
	numParts := (size + partSize - 1) / partSize
	parts := make([]types.CompletedPart, 0, numParts)

	for n := int64(1); n <= numParts; n++ {
		offset := (n - 1) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}

		part, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(n)),
			Body:          io.NewSectionReader(file, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			abort()
			return "", err
		}
		parts = append(parts, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(int32(n)),
		})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

// Download copies an object to localPath.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	var obj *s3.GetObjectOutput
	err := s.withRetries(ctx, func() error {
		var getErr error
		obj, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		var noSuchKey *types.NoSuchKey
		if errors.As(getErr, &noSuchKey) {
			return ErrObjectNotFound
		}
		return getErr
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer obj.Body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, obj.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing object is not an error,
// which is what S3 itself guarantees.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.withRetries(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether an object exists.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.withRetries(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err == nil {
			exists = true
			return nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			exists = false
			return nil
		}
		return err
	})
	return exists, err
}

// ListObjects returns every object key under the prefix. Retention uses
// it to find a pruned run's artifacts.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Storage) headETag(ctx context.Context, objectPath string) (string, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(head.ETag), nil
}

// withRetries runs op with exponential backoff. A missing object is a
// final answer, not a transient fault.
func (s *S3Storage) withRetries(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}
		if attempt == s.retries {
			break
		}
		wait := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
