package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/gftdcojp/tiered-buffer/internal/file"
	"github.com/gftdcojp/tiered-buffer/internal/metrics"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archiver keeps values evicted from the disk tier in S3-compatible object
// storage. Its Pop method is meant to be the buffer's pop functor.
type Archiver struct {
	s3     S3API
	bucket string
	cfg    config.ArchiveConfig
	logger *zap.Logger
}

func NewArchiver(s3api S3API, cfg config.ArchiveConfig, logger *zap.Logger) *Archiver {
	return &Archiver{
		s3:     s3api,
		bucket: cfg.Bucket,
		cfg:    cfg,
		logger: logger,
	}
}

// objectKey mirrors the disk tier's file name so archived objects can be
// matched back to their key.
func (a *Archiver) objectKey(key types.Key) string {
	if a.cfg.Prefix != "" {
		return a.cfg.Prefix + "/" + file.FileName(key)
	}
	return file.FileName(key)
}

func (a *Archiver) Put(ctx context.Context, key types.Key, value []byte) error {
	objectKey := a.objectKey(key)
	input := &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &objectKey,
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"tb-tag":  strconv.FormatUint(uint64(key.Tag), 10),
			"tb-size": strconv.Itoa(len(value)),
		},
	}
	if a.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(a.cfg.StorageClass)
	}

	start := time.Now()
	if _, err := a.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading %s to S3: %w", key, err)
	}
	metrics.ArchiveUploadDuration.Observe(time.Since(start).Seconds())

	a.logger.Debug("value archived to S3",
		zap.Stringer("key", key),
		zap.String("object", objectKey),
		zap.Int("size", len(value)),
	)
	return nil
}

// Pop uploads a value evicted from disk. Failures are logged and counted; the
// value is lost, since the disk tier has already released it.
func (a *Archiver) Pop(key types.Key, value []byte) {
	ctx := context.Background()
	if timeout := a.cfg.UploadTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.Put(ctx, key, value); err != nil {
		errType := "upload"
		if errors.Is(err, context.DeadlineExceeded) {
			errType = "timeout"
		}
		metrics.ArchiveUploadErrors.WithLabelValues(errType).Inc()
		a.logger.Warn("failed to archive popped value", zap.Stringer("key", key), zap.Error(err))
	}
}

func (a *Archiver) Get(ctx context.Context, key types.Key) ([]byte, error) {
	objectKey := a.objectKey(key)
	resp, err := a.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s not archived", types.ErrNoSuchElement, key)
		}
		return nil, fmt.Errorf("downloading %s from S3: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 response: %w", err)
	}
	return data, nil
}

func (a *Archiver) Delete(ctx context.Context, key types.Key) error {
	objectKey := a.objectKey(key)
	_, err := a.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &a.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		return fmt.Errorf("deleting %s from S3: %w", key, err)
	}
	return nil
}

func (a *Archiver) Exists(ctx context.Context, key types.Key) (bool, error) {
	objectKey := a.objectKey(key)
	_, err := a.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &a.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s in S3: %w", key, err)
	}
	return true, nil
}

// Ping checks connectivity by performing a HeadBucket operation.
func (a *Archiver) Ping(ctx context.Context) error {
	_, err := a.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &a.bucket,
	})
	return err
}
