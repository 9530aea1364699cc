package service

import (
	"context"
	"sync"
	"time"
)

// MemoryProcessedKeysStore реализует ProcessedKeysStore используя in-memory map
// Используется для dev/test окружений. В production может быть заменён на Postgres/Redis.
type MemoryProcessedKeysStore struct {
	mu   sync.Mutex
	keys map[string]time.Time // key -> expiresAt
}

// NewMemoryProcessedKeysStore создаёт новый in-memory store
func NewMemoryProcessedKeysStore() *MemoryProcessedKeysStore {
	return &MemoryProcessedKeysStore{
		keys: make(map[string]time.Time),
	}
}

// MarkProcessed сохраняет key как обработанный с указанным ttl
func (s *MemoryProcessedKeysStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ленивая очистка протухших записей
	s.cleanupExpiredLocked()

	s.keys[key] = time.Now().Add(ttl)
	return nil
}

// IsProcessed проверяет, был ли key уже обработан
func (s *MemoryProcessedKeysStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, exists := s.keys[key]
	if !exists {
		return false, nil
	}

	// Проверяем, не истёк ли ttl
	if time.Now().After(expiresAt) {
		delete(s.keys, key)
		return false, nil
	}

	return true, nil
}

// cleanupExpiredLocked удаляет протухшие записи (вызывается с уже захваченным lock)
func (s *MemoryProcessedKeysStore) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiresAt := range s.keys {
		if now.After(expiresAt) {
			delete(s.keys, key)
		}
	}
}
