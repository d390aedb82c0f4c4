// Package store persists session snapshots and attachment blobs.
package store

import (
	"fmt"
	"log/slog"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/security"
)

// New builds the session store selected by cfg.Type. When cfg.EncryptionKey
// is set, file and sqlite snapshots are sealed at rest.
func New(cfg config.StoreConfig, logger *slog.Logger) (domain.SessionStore, error) {
	var cipher *security.SnapshotCipher
	if cfg.EncryptionKey != "" && cfg.Type != "memory" {
		c, err := security.NewSnapshotCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = c
	}

	switch cfg.Type {
	case "", "file":
		codec, err := NewCodec(cfg.Codec)
		if err != nil {
			return nil, err
		}
		return NewFileStore(cfg.Path, codec, cipher, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.Path, cipher, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q (want file, sqlite or memory)", cfg.Type)
	}
}
