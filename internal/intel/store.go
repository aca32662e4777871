package intel

import (
	"container/list"
	"sync"
	"time"

	"tripwire/detection-engine/internal/metrics"
)

// Store is a thread-safe LRU cache for threat-intelligence entries with
// TTL-based expiration. The hourly feed refresh adds entries; the
// reputation scorer reads them on the request path.
type Store struct {
	mu       sync.RWMutex
	byType   map[EntryType]map[string]*list.Element // type -> value -> element
	lru      *list.List
	cap      int
	gcTicker *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	entry *Entry
}

// NewStore creates an entry store with the given capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 50000
	}
	s := &Store{
		byType:   make(map[EntryType]map[string]*list.Element),
		lru:      list.New(),
		cap:      capacity,
		gcTicker: time.NewTicker(5 * time.Minute),
		stopCh:   make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Add inserts or refreshes an entry. Expired entries are skipped.
func (s *Store) Add(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IsExpired() {
		return
	}
	if s.byType[e.Type] == nil {
		s.byType[e.Type] = make(map[string]*list.Element)
	}
	if el, exists := s.byType[e.Type][e.Value]; exists {
		el.Value.(*cacheItem).entry = e
		s.lru.MoveToFront(el)
		return
	}
	if s.lru.Len() >= s.cap {
		s.evictLRU()
	}
	el := s.lru.PushFront(&cacheItem{entry: e})
	s.byType[e.Type][e.Value] = el
	metrics.IntelEntries.Set(float64(s.lru.Len()))
}

// Check returns the active entry for (typ, value), if any.
func (s *Store) Check(typ EntryType, value string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeMap, ok := s.byType[typ]
	if !ok {
		return nil, false
	}
	el, ok := typeMap[value]
	if !ok {
		return nil, false
	}
	it := el.Value.(*cacheItem)
	if it.entry.IsExpired() {
		return nil, false
	}
	return it.entry, true
}

// Len returns the number of cached entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Len()
}

// Close stops the background GC loop (idempotent).
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.gcTicker.Stop()
	})
}

// evictLRU evicts the least recently used entry (caller must hold lock).
func (s *Store) evictLRU() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*cacheItem).entry
	delete(s.byType[e.Type], e.Value)
	s.lru.Remove(back)
}

func (s *Store) gcLoop() {
	for {
		select {
		case <-s.gcTicker.C:
			s.gc()
		case <-s.stopCh:
			return
		}
	}
}

// gc removes expired entries.
func (s *Store) gc() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*cacheItem).entry
		if now.After(e.ValidUntil) {
			delete(s.byType[e.Type], e.Value)
			s.lru.Remove(el)
		}
		el = next
	}
	metrics.IntelEntries.Set(float64(s.lru.Len()))
}
