// Package snapshot persists host state between runs as versioned key/value
// records.
package snapshot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	kerrors "kestrel/core/errors"
)

// Record is one persisted value. Version increases by one on every Save of the same key.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store saves and loads records.
type Store interface {
	// Save writes value under key and returns the stored record.
	Save(ctx context.Context, key string, value []byte) (Record, error)
	// Load returns the record for key, or an error wrapping ErrNotFound.
	Load(ctx context.Context, key string) (Record, error)
	// Keys lists stored keys in sorted order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// ErrNotFound is returned by Load for unknown keys.
var ErrNotFound = kerrors.ErrNotFound

// Open returns the store for a driver name: memory, file or sqlite.
// "none" and "" return nil.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "unknown persistence driver %q", driver)
	}
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return kerrors.Validation(kerrors.ErrInvalidInput, "snapshot key is empty")
	}
	return nil
}

func notFound(key string) error {
	return kerrors.Validation(ErrNotFound, "snapshot %q not found", key)
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Save(ctx context.Context, key string, value []byte) (Record, error) {
	if err := checkKey(key); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   m.records[key].Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	m.records[key] = rec
	return rec, nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, notFound(key)
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (m *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error { return nil }
