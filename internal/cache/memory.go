package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize is the entry bound used when size <= 0
const DefaultMemorySize = 10000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store backed by a bounded LRU with per-entry expiry.
type MemoryStore struct {
	lru *lru.Cache[string, memoryEntry]
	now func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an LRU-bounded store holding at most size entries.
func NewMemoryStore(size int, opts ...MemoryOption) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	c, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	m := &MemoryStore{lru: c, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get implements Store. Returned bytes are a copy.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.lru.Remove(key)
		return nil, ErrMiss
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set implements Store
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.lru.Add(key, entry)
	return nil
}

// DeletePrefix implements Store
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	removed := 0
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) && m.lru.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries, including expired ones not yet evicted
func (m *MemoryStore) Len() int {
	return m.lru.Len()
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.lru.Purge()
	return nil
}
