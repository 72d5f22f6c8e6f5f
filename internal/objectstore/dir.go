package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirStore keeps artifacts on the local filesystem; a container is a
// directory under root and keys may contain slashes.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(container, key string) (string, error) {
	clean := filepath.Clean(filepath.Join(d.root, container, filepath.FromSlash(key)))
	base := filepath.Clean(filepath.Join(d.root, container))
	if clean == base || !strings.HasPrefix(clean, base+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes container %q", key, container)
	}
	return clean, nil
}

func (d *DirStore) Exists(_ context.Context, container, key string) (bool, error) {
	p, err := d.path(container, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	}
	return !info.IsDir(), nil
}

func (d *DirStore) List(_ context.Context, container, prefix string) ([]Object, error) {
	base := filepath.Join(d.root, container)
	var out []Object
	err := filepath.WalkDir(base, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (d *DirStore) Get(_ context.Context, container, key string) (io.ReadCloser, error) {
	p, err := d.path(container, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", container, key, ErrNotFound)
	}
	return f, err
}

func (d *DirStore) Put(_ context.Context, container, key string, body io.Reader, overwrite bool) error {
	p, err := d.path(container, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s/%s: %w", container, key, ErrExists)
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var _ Store = (*DirStore)(nil)
