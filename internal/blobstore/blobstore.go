// Package blobstore stores entity content outside the database. Writes are
// content-addressed by SHA-256 so retrying a worker step rewrites the same
// object instead of duplicating it.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the object-storage contract the workers depend on.
type Store interface {
	// Put writes content and returns its reference and hex checksum.
	Put(ctx context.Context, content []byte) (ref, checksum string, err error)
	// Get reads content by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FileStore keeps blobs on the local filesystem, sharded by checksum prefix.
type FileStore struct {
	root string
}

// NewFileStore creates the blob root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Put writes content under its checksum. Writing the same content twice is
// a no-op at the filesystem level, which is what makes step retries safe.
func (f *FileStore) Put(_ context.Context, content []byte) (string, string, error) {
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	dir := filepath.Join(f.root, checksum[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create blob dir: %w", err)
	}
	path := filepath.Join(dir, checksum)
	if _, err := os.Stat(path); err == nil {
		return checksum, checksum, nil // already stored
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return checksum, checksum, nil
}

// Get reads a blob by its reference.
func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	if len(ref) < 2 {
		return nil, fmt.Errorf("invalid blob reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(f.root, ref[:2], ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
