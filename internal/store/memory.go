package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// entry is a stored value with an optional absolute expiry.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with a mutex-guarded map. A single
// process gets the same coordination semantics the Redis backend gives
// a fleet, which keeps local-only deployments and tests on one code
// path. It starts a background goroutine that sweeps expired entries
// every minute.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates an empty MemoryStore and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}
	go s.sweeper()
	return s
}

// Stop terminates the background sweeper goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) sweeper() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

// live returns the entry at key if present and unexpired, deleting it
// lazily otherwise. Must be called with s.mu held.
func (s *MemoryStore) live(key string, now time.Time) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Get returns the value at key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, time.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set writes value at key. A ttl <= 0 means the key never expires.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: bytes.Clone(value), expiresAt: expiry(time.Now(), ttl)}
	return nil
}

// Remove deletes key.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Refresh resets the remaining lifetime of an existing key.
func (s *MemoryStore) Refresh(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: refresh ttl must be positive, got %v", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.live(key, now)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return nil
}

// SetIfExists writes value at key only when the key is already present,
// preserving its remaining lifetime.
func (s *MemoryStore) SetIfExists(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, time.Now())
	if !ok {
		return false, nil
	}
	e.value = bytes.Clone(value)
	s.entries[key] = e
	return true, nil
}

// IncrementAndTrip advances the counter at counterKey, clamping at
// threshold, and writes openValue at stateKey in the same locked step
// when the advanced value reaches threshold.
func (s *MemoryStore) IncrementAndTrip(_ context.Context, counterKey string, threshold int64, stateKey string, openValue []byte, stateTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	var n int64
	if e, ok := s.live(counterKey, now); ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: counter %s holds non-integer value: %w", counterKey, err)
		}
		n = v
	}
	if n < threshold {
		n++
		s.entries[counterKey] = entry{value: []byte(strconv.FormatInt(n, 10))}
		if n >= threshold {
			s.entries[stateKey] = entry{value: bytes.Clone(openValue), expiresAt: expiry(now, stateTTL)}
		}
	}
	return n, nil
}

// AcquireLease claims key for ttl when nobody else holds it.
func (s *MemoryStore) AcquireLease(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if _, held := s.live(key, now); held {
		return false, nil
	}
	s.entries[key] = entry{value: []byte("1"), expiresAt: expiry(now, ttl)}
	return true, nil
}

// ReleaseLease gives up key before its ttl runs out.
func (s *MemoryStore) ReleaseLease(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Version returns the current version of key, 0 when never bumped.
func (s *MemoryStore) Version(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(versionKey(key), time.Now())
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: version of %s holds non-integer value: %w", key, err)
	}
	return v, nil
}

// IncrementVersion bumps and returns the version of key.
func (s *MemoryStore) IncrementVersion(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vk := versionKey(key)
	var v int64
	if e, ok := s.live(vk, time.Now()); ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: version of %s holds non-integer value: %w", key, err)
		}
		v = parsed
	}
	v++
	s.entries[vk] = entry{value: []byte(strconv.FormatInt(v, 10))}
	return v, nil
}
