package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rogersf/relay/internal/config"
	"github.com/rogersf/relay/internal/domain"
)

// ArtifactStore keeps screenshots and DOM snapshots under content-addressed
// keys and returns where each object landed.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// LocalStore writes artifacts beneath Root.
type LocalStore struct {
	Root string
}

// Put implements ArtifactStore. Existing objects are left untouched since the
// key already names their content.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := filepath.Join(s.Root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domain.WrapEngineError(domain.ErrArtifactWrite.Code, "mkdir", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", domain.WrapEngineError(domain.ErrArtifactWrite.Code, key, err)
	}
	return path, nil
}

// MinioStore uploads artifacts to an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket if needed.
func NewMinioStore(ctx context.Context, cfg config.ArtifactsConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint is required", domain.ErrConfigInvalid)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "relay-artifacts"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Put implements ArtifactStore.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", domain.WrapEngineError(domain.ErrArtifactWrite.Code, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// NewArtifactStore builds the backend selected in cfg.
func NewArtifactStore(ctx context.Context, cfg config.ArtifactsConfig, dataDir string) (ArtifactStore, error) {
	switch cfg.Backend {
	case "", "local":
		return &LocalStore{Root: dataDir}, nil
	case "minio":
		return NewMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown artifacts backend %q", domain.ErrConfigInvalid, cfg.Backend)
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
