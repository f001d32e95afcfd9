package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu         sync.Mutex
	seen       map[string]map[string]int64 // feed -> guid -> unix milli
	deliveries []DeliveryRecord
	dedup      map[string]int64
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{seen: map[string]map[string]int64{}, dedup: map[string]int64{}}
}

func (s *memoryStore) KnownFeed(_ context.Context, feedID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[feedID]) > 0, nil
}

func (s *memoryStore) Unseen(_ context.Context, feedID string, guids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unseenIn(s.seen[feedID], guids), nil
}

func (s *memoryStore) MarkSeen(_ context.Context, feedID string, guids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	markIn(s.seen, feedID, guids, at.UnixMilli())
	return nil
}

func (s *memoryStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, r)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until.UnixMilli()
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memoryStore) Close() error { return nil }

func unseenIn(seen map[string]int64, guids []string) []string {
	out := make([]string, 0, len(guids))
	for _, g := range guids {
		if _, ok := seen[g]; !ok {
			out = append(out, g)
		}
	}
	return out
}

func markIn(seen map[string]map[string]int64, feedID string, guids []string, ms int64) {
	m := seen[feedID]
	if m == nil {
		m = map[string]int64{}
		seen[feedID] = m
	}
	for _, g := range guids {
		if g != "" {
			m[g] = ms
		}
	}
}
