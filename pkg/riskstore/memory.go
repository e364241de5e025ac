package riskstore

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count       int64
	windowStart int64
}

// MemoryStore keeps counters in process memory. Used in tests and for runs
// that do not need cross-run persistence.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[[2]string]*counter
}

func NewMemory() *MemoryStore {
	return &MemoryStore{counters: make(map[[2]string]*counter)}
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.reset(tenant, bucket, windowSec, now)
	c.count++
	return c.count, nil
}

func (s *MemoryStore) Get(_ context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset(tenant, bucket, windowSec, now).count, nil
}

func (s *MemoryStore) reset(tenant, bucket string, windowSec int64, now time.Time) *counter {
	key := [2]string{tenant, bucket}
	c, ok := s.counters[key]
	if !ok {
		c = &counter{windowStart: now.Unix()}
		s.counters[key] = c
	}
	if windowSec > 0 && now.Unix()-c.windowStart >= windowSec {
		c.count = 0
		c.windowStart = now.Unix()
	}
	return c
}

func (s *MemoryStore) Close() error { return nil }
