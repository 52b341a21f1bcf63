package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"cmipdiag/internal/types"
)

// FileStore serves objects from a directory tree.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Get implements ObjectStore.
func (f *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	fh, err := os.Open(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, NotFound(key, err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStore, fmt.Sprintf("failed to open %s", key), err)
	}
	return fh, nil
}

// Put implements ObjectStore.
func (f *FileStore) Put(_ context.Context, key string, body io.Reader) error {
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStore, fmt.Sprintf("failed to create directory for %s", key), err)
	}
	fh, err := os.Create(p)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStore, fmt.Sprintf("failed to create %s", key), err)
	}
	if _, err := io.Copy(fh, body); err != nil {
		fh.Close()
		return types.NewAppError(types.ErrCodeUpstreamStore, fmt.Sprintf("failed to write %s", key), err)
	}
	return fh.Close()
}

// S3API abstracts the S3 operations the store needs for testability.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store serves objects from one S3 bucket.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates an S3Store.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Get implements ObjectStore.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NotFound(s.bucket+"/"+key, err)
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to fetch s3://%s/%s", s.bucket, key), err)
	}
	return out.Body, nil
}

// Put implements ObjectStore.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to write s3://%s/%s", s.bucket, key), err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// GCSStore serves objects from one Google Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore creates a GCSStore.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), name: bucket}
}

// Get implements ObjectStore.
func (g *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, NotFound(g.name+"/"+key, err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to fetch gs://%s/%s", g.name, key), err)
	}
	return r, nil
}

// Put implements ObjectStore.
func (g *GCSStore) Put(ctx context.Context, key string, body io.Reader) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to copy to gs://%s/%s", g.name, key), err)
	}
	if err := w.Close(); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to close writer for gs://%s/%s", g.name, key), err)
	}
	return nil
}
