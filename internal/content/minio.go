package content

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps blobs in an S3-compatible bucket under blobs/<aa>/<digest>.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewMinioStoreWithClient(ctx, client, cfg.Bucket)
}

// NewMinioStoreWithClient creates the bucket when it is missing.
func NewMinioStoreWithClient(ctx context.Context, client *minio.Client, bucket string) (*MinioStore, error) {
	found, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !found {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func objectKey(hash string) string {
	return "blobs/" + shard(hash)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *MinioStore) Put(ctx context.Context, data []byte, meta Meta) (string, error) {
	hash := Digest(data)
	found, err := s.Has(ctx, hash)
	if err != nil {
		return "", err
	}
	if found {
		return hash, nil
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectKey(hash), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"project": meta.Project,
			"author":  meta.Author,
			"sha256":  hash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return hash, nil
}

func (s *MinioStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if !ValidDigest(hash) {
		return nil, invalidDigest(hash)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(hash), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, NotFound(hash)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, NotFound(hash)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	if err := Verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MinioStore) Has(ctx context.Context, hash string) (bool, error) {
	if !ValidDigest(hash) {
		return false, nil
	}
	_, err := s.client.StatObject(ctx, s.bucket, objectKey(hash), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}
