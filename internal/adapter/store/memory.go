package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"monadic-chat/internal/domain"
)

var _ domain.SessionStore = (*MemoryStore)(nil)

// MemoryStore keeps snapshots in process memory. Contents are lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
	times map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string][]byte),
		times: make(map[string]time.Time),
	}
}

// Save stores an encoded copy so later mutation of snap does not leak in.
func (m *MemoryStore) Save(_ context.Context, snap *domain.Snapshot) error {
	if err := domain.ValidateSessionKey(snap.Key); err != nil {
		return domain.NewDomainError("MemoryStore.Save", err, snap.Key)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Key] = data
	m.times[snap.Key] = time.Now()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) (*domain.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snaps[key]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.Load", domain.ErrSessionNotFound, key)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	delete(m.times, key)
	return nil
}

func (m *MemoryStore) Reap(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, t := range m.times {
		if t.Before(cutoff) {
			delete(m.snaps, key)
			delete(m.times, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
