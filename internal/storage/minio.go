package storage

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient wraps the MinIO client with bucket management.
type MinIOClient struct {
	client *minio.Client
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewMinIOClient(config MinIOConfig) (*MinIOClient, error) {
	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	log.Printf("MinIO client initialized (endpoint: %s)", config.Endpoint)
	return &MinIOClient{client: minioClient}, nil
}

// EnsureBucket creates a bucket if it doesn't exist.
func (m *MinIOClient) EnsureBucket(ctx context.Context, bucketName string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		log.Printf("Creating MinIO bucket: %s", bucketName)
		if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (m *MinIOClient) UploadFile(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, contentType string) error {
	if err := m.EnsureBucket(ctx, bucketName); err != nil {
		return err
	}

	info, err := m.client.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	log.Printf("File uploaded successfully: %s/%s (size: %d bytes)", bucketName, objectName, info.Size)
	return nil
}

// DownloadFile copies an object into w.
func (m *MinIOClient) DownloadFile(ctx context.Context, bucketName, objectName string, w io.Writer) error {
	object, err := m.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	if _, err := io.Copy(w, object); err != nil {
		return fmt.Errorf("failed to download %s/%s: %w", bucketName, objectName, err)
	}
	return nil
}
