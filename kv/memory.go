package kv

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store used in tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Put(key, value string, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{value: value}
	if opts.ExpirationTTL > 0 {
		entry.expiresAt = time.Now().Add(time.Duration(opts.ExpirationTTL) * time.Second)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(opts ListOptions) (ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	names := make([]string, 0, len(s.entries))
	now := time.Now()
	for name, entry := range s.entries {
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			continue
		}
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		if opts.Cursor != "" && name <= opts.Cursor {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	result := ListResult{Keys: make([]Key, 0, len(names)), ListComplete: true}
	for _, name := range names {
		if len(result.Keys) == limit {
			result.ListComplete = false
			result.Cursor = result.Keys[limit-1].Name
			break
		}
		result.Keys = append(result.Keys, Key{Name: name})
	}
	return result, nil
}
