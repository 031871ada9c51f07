package cache

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemCache is the ephemeral tier: it lives as long as the session that owns it.
// It also stands in for other tiers in tests.
type MemCache struct {
	name  string
	mutex *sync.RWMutex
	db    map[string][]byte
}

// NewMemCache returns an empty session tier.
func NewMemCache() MemCache {
	return NewNamedMemCache("session")
}

// NewNamedMemCache returns an empty in-memory tier reporting the given name.
func NewNamedMemCache(name string) MemCache {
	return MemCache{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemCache) Name() string {
	return m.name
}

func (m MemCache) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mutex.RLock()
	stored, ok := m.db[key]
	m.mutex.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	entry, err := Decode(stored)
	if err != nil {
		m.purgeIfUnchanged(key, stored)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// purgeIfUnchanged removes key only if it still holds stored, so a concurrent Put survives.
func (m MemCache) purgeIfUnchanged(key string, stored []byte) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.db[key]; !ok || !bytes.Equal(current, stored) {
		return false
	}
	delete(m.db, key)
	return true
}

func (m MemCache) Put(ctx context.Context, entry Entry) error {
	b, err := entry.Encode()
	if err != nil {
		return err
	}
	return m.PutBytes(ctx, entry.Key, entry.CreatedAt, entry.ExpiresAt, b)
}

func (m MemCache) PutBytes(_ context.Context, key string, _, _ time.Time, b []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = b
	return nil
}

func (m MemCache) Purge(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) AllKeys(_ context.Context, prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0)
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Clear(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.db {
		delete(m.db, key)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}
