// Package weightstore fetches pretrained weight blobs from object storage.
// Blobs are opaque to this repository and are passed to the tensor engine
// unmodified.
package weightstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/minio/minio-go"
	"go.uber.org/zap"

	"github.com/visagekit/face-backend/config"
	log "github.com/visagekit/face-backend/pkg/logger"
)

type WeightStore interface {
	GetFile(ctx context.Context, filePath string) ([]byte, error)
	GetFilesByPaths(ctx context.Context, filePaths []string) ([]FileContent, error)
}

// FileContent is one fetched weight blob.
type FileContent struct {
	Name    string
	Content []byte
}

const location = "us-east-1"

type store struct {
	client *minio.Client
	bucket string
}

func NewWeightStore(cfg *config.WeightStoreConfig) (WeightStore, error) {
	logger, err := log.GetZapLogger(context.Background())
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Host
	if cfg.Port != 0 {
		endpoint = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	client, err := minio.New(endpoint, cfg.User, cfg.Password, cfg.Secure)
	if err != nil {
		logger.Error("cannot connect to weight store", zap.Error(err))
		return nil, err
	}

	exists, err := client.BucketExists(cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(cfg.BucketName, location); err != nil {
			return nil, err
		}
		logger.Info("created weight bucket", zap.String("bucket", cfg.BucketName))
	}

	return &store{client: client, bucket: cfg.BucketName}, nil
}

func (s *store) GetFile(ctx context.Context, filePath string) ([]byte, error) {
	obj, err := s.client.GetObject(s.bucket, filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	var buffer bytes.Buffer
	if _, err := io.Copy(&buffer, obj); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// GetFilesByPaths retrieves the contents of the specified weight blobs, one
// goroutine per blob.
func (s *store) GetFilesByPaths(ctx context.Context, filePaths []string) ([]FileContent, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	fileCount := len(filePaths)

	errCh := make(chan error, fileCount)
	resultCh := make(chan FileContent, fileCount)

	for _, path := range filePaths {
		wg.Add(1)
		go func(filePath string) {
			defer wg.Done()

			content, err := s.GetFile(ctx, filePath)
			if err != nil {
				logger.Error("failed to get weight blob", zap.String("path", filePath), zap.Error(err))
				errCh <- err
				return
			}
			resultCh <- FileContent{
				Name:    filepath.Base(filePath),
				Content: content,
			}
		}(path)
	}

	wg.Wait()
	close(errCh)
	close(resultCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	files := make([]FileContent, 0, fileCount)
	for fileContent := range resultCh {
		files = append(files, fileContent)
	}
	return files, nil
}
