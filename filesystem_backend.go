package jsonbase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemBackend implements Backend using the local filesystem.
// Version tags are content hashes; conditional writes take a striped
// per-key lock so check-and-write is atomic within the process.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks
}

// NewFilesystemBackend creates a new filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

// NewFilesystemBackendWithStripes creates a filesystem backend with custom stripe count
func NewFilesystemBackendWithStripes(basePath string, stripes int) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(stripes),
	}
}

func (b *FilesystemBackend) getPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b *FilesystemBackend) Get(ctx context.Context, key string, etag string) (*Object, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		if os.IsPermission(err) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	hash := contentHash(data)
	if etag != "" && etag == hash {
		return nil, ErrNotModified
	}

	return &Object{Content: data, ETag: hash, SHA: hash}, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error) {
	// Lock this specific key to make check-and-write atomic
	unlock := b.locks.Lock(key)
	defer unlock()

	p := b.getPath(key)
	current, err := os.ReadFile(p)
	switch {
	case err == nil:
		currentSHA := contentHash(current)
		if sha == "" {
			// Create raced against an existing file
			return nil, WithContext(ErrConflict, map[string]interface{}{
				"key":    key,
				"reason": "object already exists",
				"actual": currentSHA,
			})
		}
		if sha != currentSHA {
			return nil, WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": sha,
				"actual":   currentSHA,
			})
		}
	case os.IsNotExist(err):
		if sha != "" {
			return nil, WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": sha,
				"reason":   "object was deleted",
			})
		}
	default:
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(p), DefaultDirPermissions); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, content, DefaultFilePermissions); err != nil {
		return nil, err
	}

	hash := contentHash(content)
	return &PutResult{ETag: hash, SHA: hash}, nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory: %s", b.basePath)
	}

	// Verify write access with a throwaway file
	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return fmt.Errorf("cannot write to base path: %w", err)
	}
	os.Remove(testFile)

	return nil
}

func (b *FilesystemBackend) Close() error {
	// Nothing to release
	return nil
}
