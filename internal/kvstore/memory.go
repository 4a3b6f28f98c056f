package kvstore

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral runs. It applies
// the same TTL and change-notification semantics as the durable backend.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memEntry
	subs    map[int]*memSub
	nextSub int
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memSub struct {
	prefix string
	fn     func(Event)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		subs:   make(map[int]*memSub),
		now:    time.Now,
	}
}

// SetNowFunc overrides the TTL clock (tests only).
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.values, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	return s.set(key, value, 0)
}

func (s *MemoryStore) SetTTL(key string, value []byte, ttlSeconds int64) error {
	return s.set(key, value, ttlSeconds)
}

func (s *MemoryStore) set(key string, value []byte, ttlSeconds int64) error {
	s.mu.Lock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttlSeconds > 0 {
		e.expiresAt = s.now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	s.values[key] = e
	subs := s.matching(key)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(Event{Key: key, Value: append([]byte(nil), value...)})
	}
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	subs := s.matching(key)
	s.mu.Unlock()

	if existed {
		for _, fn := range subs {
			fn(Event{Key: key, Deleted: true})
		}
	}
	return nil
}

func (s *MemoryStore) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Subscribe(prefix string, fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memSub{prefix: prefix, fn: fn}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *MemoryStore) Close() error { return nil }

// matching must be called with mu held.
func (s *MemoryStore) matching(key string) []func(Event) {
	var out []func(Event)
	for _, sub := range s.subs {
		if strings.HasPrefix(key, sub.prefix) {
			out = append(out, sub.fn)
		}
	}
	return out
}
