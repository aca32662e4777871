package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. It mirrors the Redis semantics closely
// enough that the detection primitives behave identically against either
// backend; expired entries are dropped lazily on access and by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	nowFunc func() time.Time // for tests; defaults to time.Now
}

type memEntry struct {
	data      []byte
	counter   int64
	isCounter bool
	members   map[string]struct{}
	expiresAt time.Time // zero = no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		nowFunc: time.Now,
	}
}

// live returns the entry at key, dropping it first if expired.
// Caller must hold mu.
func (m *Memory) live(key string, now time.Time) (*memEntry, bool) {
	en, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if en.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	return en, true
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	en, ok := m.live(key, now)
	if !ok {
		en = &memEntry{isCounter: true}
		if ttl > 0 {
			en.expiresAt = now.Add(ttl)
		}
		m.entries[key] = en
	}
	if !en.isCounter {
		return 0, fmt.Errorf("incr %s: not a counter", key)
	}
	en.counter++
	return en.counter, nil
}

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	en, ok := m.live(key, now)
	if !ok {
		return false, nil
	}
	if en.isCounter {
		return false, fmt.Errorf("get %s: counter key", key)
	}
	if err := json.Unmarshal(en.data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	en := &memEntry{data: data}
	if ttl > 0 {
		en.expiresAt = now.Add(ttl)
	}
	m.entries[key] = en
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	en := &memEntry{data: data}
	if ttl > 0 {
		en.expiresAt = now.Add(ttl)
	}
	m.entries[key] = en
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	en, ok := m.live(key, now)
	if !ok {
		en = &memEntry{members: make(map[string]struct{})}
		m.entries[key] = en
	}
	if en.members == nil {
		return fmt.Errorf("sadd %s: not a set", key)
	}
	en.members[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	if en, ok := m.live(key, now); ok && en.members != nil {
		delete(en.members, member)
	}
	return nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	en, ok := m.live(key, now)
	if !ok || en.members == nil {
		return false, nil
	}
	_, ok = en.members[member]
	return ok, nil
}

// Sweep drops all expired entries. Called from the housekeeping task so the
// map stays bounded when keys stop being touched.
func (m *Memory) Sweep() int {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key, en := range m.entries {
		if en.expired(now) {
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}

func (m *Memory) Close() error { return nil }
