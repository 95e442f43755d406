package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const ArtifactPrefix = "retrained_models/"

// ObjectStore is the subset of MinIOClient the publisher uses.
type ObjectStore interface {
	UploadFile(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, contentType string) error
	DownloadFile(ctx context.Context, bucketName, objectName string, w io.Writer) error
}

// ArtifactPublisher copies model artifacts to a bucket.
type ArtifactPublisher struct {
	store  ObjectStore
	bucket string
}

func NewArtifactPublisher(store ObjectStore, bucket string) *ArtifactPublisher {
	return &ArtifactPublisher{store: store, bucket: bucket}
}

// Publish uploads the file at localPath and returns its s3:// URI.
func (p *ArtifactPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	key := ArtifactPrefix + filepath.Base(localPath)
	if err := p.store.UploadFile(ctx, p.bucket, key, f, info.Size(), "application/octet-stream"); err != nil {
		return "", err
	}
	return "s3://" + p.bucket + "/" + key, nil
}

// Fetch downloads an artifact published under uri into dir and returns the
// local path. The local name is derived from bucket and key; an existing
// local copy is reused.
func (p *ArtifactPublisher) Fetch(ctx context.Context, uri, dir string) (string, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	name, err := cacheName(bucket, key)
	if err != nil {
		return "", fmt.Errorf("invalid object key in %q: %w", uri, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := p.store.DownloadFile(ctx, bucket, key, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return dst, nil
}

func cacheName(bucket, key string) (string, error) {
	switch base := path.Base(key); base {
	case ".", "..", "/":
		return "", fmt.Errorf("object name %q", base)
	}
	return bucket + "_" + strings.ReplaceAll(key, "/", "_"), nil
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 uri: %q", uri)
	}
	return bucket, key, nil
}

func IsURI(s string) bool {
	return strings.HasPrefix(s, "s3://")
}
