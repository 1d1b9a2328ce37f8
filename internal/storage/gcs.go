package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/logger"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps documents in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(p string) (*storage.ObjectHandle, string, error) {
	rel, ok := cleanPath(p)
	if !ok {
		return nil, "", apperrors.Validation("invalid document path")
	}
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, rel)), rel, nil
}

func (s *GCSStore) Get(ctx context.Context, p string) ([]byte, error) {
	obj, rel, err := s.object(p)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, apperrors.NotFound("document not found in store", err)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, rel, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Put writes with a DoesNotExist precondition so stored objects are never replaced.
func (s *GCSStore) Put(ctx context.Context, p string, data []byte) (string, error) {
	obj, rel, err := s.object(p)
	if err != nil {
		return "", err
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, rel, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			logger.Debug("Document already stored", map[string]interface{}{"path": rel})
			return rel, nil
		}
		return "", fmt.Errorf("commit gs://%s/%s: %w", s.bucket, rel, err)
	}
	return rel, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
