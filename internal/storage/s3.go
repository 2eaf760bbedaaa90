package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/model"
)

// S3 stores files in a single MinIO/S3 bucket under the key
// tenantId/scope/ownerId/filename.
type S3 struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3 creates a MinIO client from the Config.
func NewS3(cfg *config.Config) (*S3, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *S3) Stat(ctx context.Context, loc model.Location) (Info, error) {
	if err := loc.Validate(); err != nil {
		return Info{}, err
	}
	st, err := s.client.StatObject(ctx, s.bucket, loc.Key(), minio.StatObjectOptions{})
	if err != nil {
		return Info{}, s3Err("stat object", err)
	}
	return Info{Size: st.Size, ModTime: st.LastModified, ContentType: st.ContentType}, nil
}

func (s *S3) Open(ctx context.Context, loc model.Location) (Object, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, loc.Key(), minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Err("get object", err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, s3Err("get object", err)
	}
	return &s3Object{Object: obj, info: Info{Size: st.Size, ModTime: st.LastModified, ContentType: st.ContentType}}, nil
}

func (s *S3) Save(ctx context.Context, loc model.Location, r io.Reader, size int64, contentType string) (Info, error) {
	if err := loc.Validate(); err != nil {
		return Info{}, err
	}
	up, err := s.client.PutObject(ctx, s.bucket, loc.Key(), r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Info{}, fmt.Errorf("put object: %w", err)
	}
	return Info{Size: up.Size, ModTime: time.Now().UTC(), ContentType: contentType}, nil
}

// Delete removes the object. RemoveObject succeeds for missing keys, so the
// object is checked first to report ErrNotFound.
func (s *S3) Delete(ctx context.Context, loc model.Location) error {
	if _, err := s.Stat(ctx, loc); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, loc.Key(), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// PresignedURL returns a direct, time-limited object URL. It is used by
// operators for debugging; clients always go through /files/secure.
func (s *S3) PresignedURL(ctx context.Context, loc model.Location, expiry time.Duration) (string, error) {
	if err := loc.Validate(); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, loc.Key(), expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}

func s3Err(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

type s3Object struct {
	*minio.Object
	info Info
}

func (o *s3Object) Info() Info { return o.info }
