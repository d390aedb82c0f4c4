package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/security"
)

var _ domain.SessionStore = (*FileStore)(nil)

// FileStore keeps one snapshot file per session key.
type FileStore struct {
	dir    string
	codec  Codec
	cipher *security.SnapshotCipher // nil = plaintext
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates dir if needed. cipher may be nil.
func NewFileStore(dir string, codec Codec, cipher *security.SnapshotCipher, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("sessionstore: create dir: %w", err)
	}
	return &FileStore{dir: dir, codec: codec, cipher: cipher, logger: logger}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+s.codec.Ext())
}

// Save writes the snapshot atomically through a temp file and rename.
func (s *FileStore) Save(_ context.Context, snap *domain.Snapshot) error {
	if err := domain.ValidateSessionKey(snap.Key); err != nil {
		return domain.NewDomainError("FileStore.Save", err, snap.Key)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	data, err := s.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}
	if s.cipher != nil {
		if data, err = s.cipher.Seal(data); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+snap.Key+".*.tmp")
	if err != nil {
		return fmt.Errorf("sessionstore: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sessionstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sessionstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(snap.Key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sessionstore: rename: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, key string) (*domain.Snapshot, error) {
	if err := domain.ValidateSessionKey(key); err != nil {
		return nil, domain.NewDomainError("FileStore.Load", err, key)
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(key))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.NewDomainError("FileStore.Load", domain.ErrSessionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: read: %w", err)
	}

	if s.cipher != nil {
		if data, err = s.cipher.Open(data); err != nil {
			return nil, err
		}
	} else if security.IsSealed(data) {
		return nil, domain.NewDomainError("FileStore.Load", domain.ErrDecryption, "snapshot is encrypted but no key is configured")
	}

	var snap domain.Snapshot
	if err := s.codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("sessionstore: unmarshal %q: %w", key, err)
	}
	return &snap, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := domain.ValidateSessionKey(key); err != nil {
		return domain.NewDomainError("FileStore.Delete", err, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sessionstore: remove: %w", err)
	}
	return nil
}

// Reap deletes snapshot files not written within olderThan.
func (s *FileStore) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("sessionstore: list: %w", err)
	}

	reaped := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, s.codec.Ext()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("sessionstore: reap failed", "file", name, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Close zeroes the key material.
func (s *FileStore) Close() error {
	if s.cipher != nil {
		s.cipher.Zeroize()
	}
	return nil
}
