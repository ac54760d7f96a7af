package tiering

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore abstracts the cold tier: slower, cheaper, externally
// addressable storage keyed by path-like object keys.
type ObjectStore interface {
	// Put streams an object to the store, replacing any existing object
	Put(ctx context.Context, key string, r io.Reader) error

	// Size returns the stored object's byte size
	Size(ctx context.Context, key string) (int64, error)

	// Get opens the object for streaming reads. Caller closes.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present
	Exists(ctx context.Context, key string) (bool, error)
}

// FilesystemStore is an ObjectStore rooted at a local directory. Used for
// single-node deployments and tests.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a filesystem-backed object store
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) pathFor(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader) error {
	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create object %s: %w", key, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close object %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(s.pathFor(key))
	if err != nil {
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size(), nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(key))
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.pathFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
