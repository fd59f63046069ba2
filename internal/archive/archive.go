// Package archive stores original workbook bytes in object storage so a
// dataset can be re-opened or audited after the session ends.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Service wraps a MinIO / S3 bucket. A nil *Service is valid and makes
// every operation a no-op, so the archive stays optional.
type Service struct {
	client *minio.Client
	bucket string
}

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// objectKey shards archived workbooks by dataset.
func objectKey(datasetID, filename string) string {
	return fmt.Sprintf("workbooks/%s/%s", datasetID, filename)
}

// PutWorkbook archives the original upload. No-op when the service is nil.
func (s *Service) PutWorkbook(ctx context.Context, datasetID, filename string, data []byte) error {
	if s == nil {
		return nil
	}
	key := objectKey(datasetID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("archive workbook %s: %w", key, err)
	}
	log.Printf("workbook_archived dataset=%s object=%s bytes=%d", datasetID, key, len(data))
	return nil
}

// GetWorkbook retrieves an archived upload. Returns found=false when the
// service is nil or the object does not exist.
func (s *Service) GetWorkbook(ctx context.Context, datasetID, filename string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, nil
	}
	key := objectKey(datasetID, filename)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("open archived workbook %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read archived workbook %s: %w", key, err)
	}
	return data, true, nil
}
