package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/security"
)

var _ domain.SessionStore = (*SQLiteStore)(nil)

// SQLiteStore keeps snapshots as JSON rows in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	cipher *security.SnapshotCipher
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string, cipher *security.SnapshotCipher, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("sessionstore: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open db: %w", err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sessionstore: pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: migrate: %w", err)
	}

	return &SQLiteStore{db: db, cipher: cipher, logger: logger}, nil
}

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			key        TEXT PRIMARY KEY,
			snapshot   BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS sessions_updated_at ON sessions(updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if err := domain.ValidateSessionKey(snap.Key); err != nil {
		return domain.NewDomainError("SQLiteStore.Save", err, snap.Key)
	}
	now := time.Now().UTC()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = now
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}
	if s.cipher != nil {
		if data, err = s.cipher.Seal(data); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.Key, data, now.UnixNano())
	if err != nil {
		return fmt.Errorf("sessionstore: save %q: %w", snap.Key, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*domain.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Load", domain.ErrSessionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load %q: %w", key, err)
	}

	if s.cipher != nil {
		if data, err = s.cipher.Open(data); err != nil {
			return nil, err
		}
	} else if security.IsSealed(data) {
		return nil, domain.NewDomainError("SQLiteStore.Load", domain.ErrDecryption, "snapshot is encrypted but no key is configured")
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("sessionstore: unmarshal %q: %w", key, err)
	}
	return &snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sessionstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sessionstore: reap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the database and zeroes the key material.
func (s *SQLiteStore) Close() error {
	if s.cipher != nil {
		s.cipher.Zeroize()
	}
	return s.db.Close()
}
