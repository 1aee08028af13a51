package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps blobs in one bucket of an S3-compatible object store.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, path string, r io.Reader, size int64, opts PutOptions) (*Object, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	// S3 has no create-only put, so check first. Paths are timestamped per
	// owner, which keeps the race window to the same owner and millisecond.
	if _, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{}); err == nil {
		return nil, ErrExists
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	info, err := s.client.PutObject(ctx, s.bucket, path, r, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", path, err)
	}
	return &Object{
		Path:         path,
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		Size:         info.Size,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, path string) (io.ReadCloser, *Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", path, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return obj, &Object{
		Path:         path,
		ContentType:  info.ContentType,
		CacheControl: info.Metadata.Get("Cache-Control"),
		Size:         info.Size,
		CreatedAt:    info.LastModified,
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, path string) error {
	if _, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (s *S3Store) PublicURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return u.String(), nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
