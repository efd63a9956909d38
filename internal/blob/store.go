// Package blob stores ciphertext blobs on the filesystem.
//
// Blobs are content-addressed: the reference is the SHA-256 of the
// stored bytes. Content keys are unique per recording, so two
// recordings never collide on a reference.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store provides content-addressed blob storage.
type Store struct {
	dir string
}

// NewStore creates a blob store under dataDir.
func NewStore(dataDir string) (*Store, error) {
	blobDir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{dir: blobDir}, nil
}

// Put stores a blob and returns its reference. The write goes to a
// temp file first and is renamed into place, so a crash never leaves a
// half-written blob under a valid reference.
func (s *Store) Put(data []byte) (string, error) {
	ref := computeRef(data)
	path := s.blobPath(ref)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create blob subdirectory: %w", err)
	}

	// Content-addressed writes are idempotent.
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return ref, nil
}

// Get retrieves a blob by reference and verifies its integrity.
func (s *Store) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(ref))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	if actual := computeRef(data); actual != ref {
		return nil, fmt.Errorf("blob integrity check failed: expected %s, got %s", ref, actual)
	}
	return data, nil
}

// Has checks whether a blob exists.
func (s *Store) Has(ref string) bool {
	_, err := os.Stat(s.blobPath(ref))
	return err == nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ref string) error {
	if err := os.Remove(s.blobPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Size returns the stored size of a blob.
func (s *Store) Size(ref string) (int64, error) {
	info, err := os.Stat(s.blobPath(ref))
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("blob not found: %s", ref)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) blobPath(ref string) string {
	// First 2 chars as a subdirectory keeps directory fan-out sane.
	if len(ref) < 2 {
		return filepath.Join(s.dir, ref)
	}
	return filepath.Join(s.dir, ref[:2], ref)
}

func computeRef(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
