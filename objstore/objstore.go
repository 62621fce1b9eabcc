// Package objstore is the object storage layer used by scans and copy workers.
//
// A Store wraps a gocloud.dev bucket opened by URL:
//
//	mem://                                     in-memory, for tests
//	file:///var/lib/deltaetl/bucket            local directory
//	s3://logs?region=eu-west-1                 AWS S3 or any S3-compatible endpoint
//	gs://logs                                  Google Cloud Storage
//
// Keys are slash separated prefixes such as "delta/app1/dt=2024-01-01/part-0.gz".
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Object is one entry of a listing.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Store reads and writes objects in a single bucket.
type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at url.
func Open(ctx context.Context, url string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return &Store{bucket: bucket}, nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// List returns objects whose key starts with prefix, in key order. A limit
// below zero lists everything.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]Object, error) {
	if limit == 0 {
		return nil, nil
	}
	var objects []Object
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, Object{Key: obj.Key, Size: obj.Size})
		if limit > 0 && len(objects) >= limit {
			break
		}
	}
	return objects, nil
}

// Copy copies src to dst, overwriting dst.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	if err := s.bucket.Copy(ctx, dst, src, nil); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("copy %s: %w", src, ErrNotFound)
		}
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error, so a
// redelivered task can delete again safely.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// NewReader opens key for reading.
func (s *Store) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return r, nil
}

// NewWriter opens key for writing. The object becomes visible on Close.
func (s *Store) NewWriter(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", key, err)
	}
	return w, nil
}

// ReadAll returns the contents of key.
func (s *Store) ReadAll(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteAll writes data to key.
func (s *Store) WriteAll(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Close releases the bucket.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Join joins key segments with single slashes.
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}

// Prefix returns p with exactly one trailing slash, so listing "delta/app1"
// does not also match "delta/app10".
func Prefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// Rel returns key relative to prefix. Keys outside prefix are returned unchanged.
func Rel(prefix, key string) string {
	return strings.TrimPrefix(key, Prefix(prefix))
}
