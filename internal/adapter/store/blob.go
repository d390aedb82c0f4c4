package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"monadic-chat/internal/domain"
)

const blobRefPrefix = "blake3:"

var _ domain.BlobStore = (*FileBlobStore)(nil)

// FileBlobStore keeps attachment payloads under their BLAKE3 digest, so the
// same audio submitted twice is stored once.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates dir if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

// BlobRef returns the content address of data.
func BlobRef(data []byte) string {
	sum := blake3.Sum256(data)
	return blobRefPrefix + hex.EncodeToString(sum[:])
}

func (b *FileBlobStore) path(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, blobRefPrefix)
	if !ok || len(digest) != 64 {
		return "", fmt.Errorf("%w: malformed blob ref %q", domain.ErrInvalidInput, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: malformed blob ref %q", domain.ErrInvalidInput, ref)
	}
	return filepath.Join(b.dir, digest[:2], digest), nil
}

func (b *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	ref := BlobRef(data)
	p, _ := b.path(ref)

	if _, err := os.Stat(p); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}
	return ref, nil
}

// Get returns the payload for ref after checking it still hashes to ref.
func (b *FileBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	p, err := b.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.NewDomainError("FileBlobStore.Get", domain.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	if BlobRef(data) != ref {
		return nil, fmt.Errorf("blobstore: content of %s does not match its digest", ref)
	}
	return data, nil
}
