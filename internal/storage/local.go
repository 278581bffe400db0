package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// LocalStorage is the development export sink. The pipeline treats it
// exactly like a bucket: object keys map to files under the root
// directory, and uploads record an md5 ETag the way S3 does for simple
// PUTs.
type LocalStorage struct {
	root string

	mu   sync.Mutex
	sums map[string]string
}

// NewLocalStorage creates a filesystem-backed object store rooted at
// root, creating the directory if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{
		root: root,
		sums: make(map[string]string),
	}, nil
}

// Upload copies a local file under the root.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := l.put(ctx, localPath, objectPath)
	return err
}

// UploadMultipart copies the file the same way Upload does and returns
// the ETag. Local files need no part splitting.
func (l *LocalStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	return l.put(ctx, localPath, objectPath)
}

// put writes the object through a temp file and renames it into place,
// so a crashed upload never leaves a half-written object behind.
func (l *LocalStorage) put(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer src.Close()

	dest := l.resolve(objectPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	sum := md5.New()
	_, err = io.Copy(io.MultiWriter(tmp, sum), src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	etag := hex.EncodeToString(sum.Sum(nil))
	l.mu.Lock()
	l.sums[objectPath] = etag
	l.mu.Unlock()
	return etag, nil
}

// Download copies an object out to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(l.resolve(objectPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object. A missing object is not an error, matching
// S3 delete semantics.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.resolve(objectPath)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	l.mu.Lock()
	delete(l.sums, objectPath)
	l.mu.Unlock()
	return nil
}

// Exists reports whether an object exists.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.resolve(objectPath))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// GetETag returns the recorded ETag for an object uploaded through this
// store.
func (l *LocalStorage) GetETag(objectPath string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	etag, ok := l.sums[objectPath]
	return etag, ok
}

// ListObjects returns every object key under the prefix, in slash form
// regardless of the host path separator.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(l.resolve(prefix), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (l *LocalStorage) resolve(objectPath string) string {
	return filepath.Join(l.root, objectPath)
}
