// Package objectstore reads and writes pipeline artifacts in S3 or a local
// directory tree.
package objectstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned by a non-overwriting Put when the key is taken.
	ErrExists = errors.New("object already exists")
)

// Object describes a stored object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store is a flat key space per container (bucket or directory).
type Store interface {
	// Exists reports whether key is present. A missing object is (false, nil).
	Exists(ctx context.Context, container, key string) (bool, error)
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, container, prefix string) ([]Object, error)
	// Get opens an object for reading. The caller closes it.
	Get(ctx context.Context, container, key string) (io.ReadCloser, error)
	// Put writes an object. Without overwrite an existing key yields ErrExists.
	Put(ctx context.Context, container, key string, body io.Reader, overwrite bool) error
}

// UploadKey names an uploaded artifact: the upload time as YYYYmmdd_HHMMSS,
// an underscore, then the base name of the original file.
func UploadKey(name string, at time.Time) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return at.UTC().Format("20060102_150405") + "_" + base
}

// Upload stores body under a fresh timestamped key and returns the key. It
// never replaces an existing object.
func Upload(ctx context.Context, s Store, container, name string, body io.Reader, at time.Time) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("upload name is empty")
	}
	key := UploadKey(name, at)
	if err := s.Put(ctx, container, key, body, false); err != nil {
		return "", err
	}
	return key, nil
}
