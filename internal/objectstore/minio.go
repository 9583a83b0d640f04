package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
)

// MinIOStore adapts the minio-go/v7 client to the Store contract. minio-go
// speaks the S3 API and works against any S3-compatible backend (AWS S3,
// MinIO, Ceph RGW, etc.), matching §4.1's "S3-compatible backends"
// requirement without coupling the rest of the system to a specific
// vendor SDK.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore wraps an already-constructed minio.Client. Credential and
// endpoint configuration is the caller's responsibility (§4.1: "the
// adapter is the sole boundary at which credentials... matter").
func NewMinIOStore(client *minio.Client, bucket string) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket}
}

func (s *MinIOStore) List(ctx context.Context, prefix string) Iterator {
	ch := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	return &minioIterator{ch: ch}
}

type minioIterator struct {
	ch   <-chan minio.ObjectInfo
	cur  minio.ObjectInfo
	err  error
	done bool
}

func (it *minioIterator) Next() bool {
	if it.done {
		return false
	}
	obj, ok := <-it.ch
	if !ok {
		it.done = true
		return false
	}
	if obj.Err != nil {
		it.err = classify(obj.Err)
		it.done = true
		return false
	}
	it.cur = obj
	return true
}

func (it *minioIterator) Key() string { return it.cur.Key }
func (it *minioIterator) Err() error  { return it.err }

func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (s *MinIOStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *MinIOStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classify(err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// classify maps a minio error response's HTTP status onto the
// Retryable/Terminal split §4.1 requires.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return Terminal(ErrNotFound)
	case "AccessDenied":
		return Terminal(ErrPermissionDenied)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return Terminal(ErrNotFound)
	case http.StatusForbidden, http.StatusUnauthorized:
		return Terminal(ErrPermissionDenied)
	case http.StatusTooManyRequests:
		return Retryable(err)
	}
	if resp.StatusCode >= 500 {
		return Retryable(err)
	}
	return Retryable(err)
}
