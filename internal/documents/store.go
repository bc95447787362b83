// Package documents keeps the supporting files attached to cancellations and
// force-majeure claims.
package documents

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes documents to an S3 bucket with server-side encryption.
type S3Store struct {
	client S3API
	bucket string
	logger *logging.Logger
}

func NewS3Store(client S3API, bucket string, logger *logging.Logger) *S3Store {
	if client == nil || bucket == "" {
		panic("documents: s3 client and bucket required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Store{client: client, bucket: bucket, logger: logger}
}

// Upload stores body under key and returns its s3:// location.
func (s *S3Store) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 body,
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("documents: s3 put %s: %w", key, err)
	}
	location := "s3://" + s.bucket + "/" + key
	s.logger.Info("document stored", "location", location, "content_type", contentType)
	return location, nil
}

// MinioAPI is the subset of the MinIO client used by MinioStore.
type MinioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	EndpointURL() *url.URL
}

// MinioStore writes documents to a self-hosted MinIO bucket.
type MinioStore struct {
	client MinioAPI
	bucket string
	logger *logging.Logger
}

// NewMinioClient connects with static credentials.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("documents: minio client: %w", err)
	}
	return client, nil
}

func NewMinioStore(client MinioAPI, bucket string, logger *logging.Logger) *MinioStore {
	if client == nil || bucket == "" {
		panic("documents: minio client and bucket required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MinioStore{client: client, bucket: bucket, logger: logger}
}

// Upload stores body under key and returns the object URL on the MinIO endpoint.
func (m *MinioStore) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	if size <= 0 {
		size = -1
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("documents: minio put %s: %w", key, err)
	}
	location := strings.TrimRight(m.client.EndpointURL().String(), "/") + "/" + m.bucket + "/" + info.Key
	m.logger.Info("document stored", "location", location, "size", info.Size)
	return location, nil
}
