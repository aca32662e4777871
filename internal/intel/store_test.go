package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func activeEntry(typ EntryType, value string) *Entry {
	return &Entry{
		ID:         "x-" + value,
		Type:       typ,
		Value:      value,
		Confidence: 80,
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: time.Now().Add(time.Hour),
		Source:     "test",
	}
}

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	s := NewStore(capacity)
	t.Cleanup(s.Close)
	return s
}

func TestStoreAddCheck(t *testing.T) {
	s := newTestStore(t, 10)

	s.Add(activeEntry(EntryIPv4, "203.0.113.9"))
	e, ok := s.Check(EntryIPv4, "203.0.113.9")
	if !ok || e.Confidence != 80 {
		t.Fatalf("check: ok=%v e=%+v", ok, e)
	}
	// Type is part of the key.
	if _, ok := s.Check(EntryIPv6, "203.0.113.9"); ok {
		t.Error("ipv4 entry answered an ipv6 lookup")
	}
	if _, ok := s.Check(EntryIPv4, "203.0.113.10"); ok {
		t.Error("unknown value reported present")
	}
}

func TestStoreSkipsExpired(t *testing.T) {
	s := newTestStore(t, 10)

	dead := activeEntry(EntryIPv4, "203.0.113.9")
	dead.ValidUntil = time.Now().Add(-time.Minute)
	s.Add(dead)
	if s.Len() != 0 {
		t.Fatalf("expired entry stored, len=%d", s.Len())
	}

	// An entry that expires after insertion stops answering.
	dying := activeEntry(EntryIPv4, "203.0.113.10")
	dying.ValidUntil = time.Now().Add(30 * time.Millisecond)
	s.Add(dying)
	if _, ok := s.Check(EntryIPv4, "203.0.113.10"); !ok {
		t.Fatal("entry missing before expiry")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.Check(EntryIPv4, "203.0.113.10"); ok {
		t.Error("expired entry still answering")
	}
}

func TestStoreEvictsLRU(t *testing.T) {
	s := newTestStore(t, 3)

	for i := 0; i < 3; i++ {
		s.Add(activeEntry(EntryIPv4, fmt.Sprintf("203.0.113.%d", i)))
	}
	// At capacity the oldest insertion goes first.
	s.Add(activeEntry(EntryIPv4, "203.0.113.3"))

	if s.Len() != 3 {
		t.Fatalf("len = %d, want capacity 3", s.Len())
	}
	if _, ok := s.Check(EntryIPv4, "203.0.113.0"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := s.Check(EntryIPv4, "203.0.113.3"); !ok {
		t.Error("newest entry evicted")
	}
}

func TestStoreRefreshMovesToFront(t *testing.T) {
	s := newTestStore(t, 2)

	s.Add(activeEntry(EntryIPv4, "a"))
	s.Add(activeEntry(EntryIPv4, "b"))

	// Re-adding "a" refreshes it; the next insert evicts "b".
	fresh := activeEntry(EntryIPv4, "a")
	fresh.Confidence = 99
	s.Add(fresh)
	s.Add(activeEntry(EntryIPv4, "c"))

	if e, ok := s.Check(EntryIPv4, "a"); !ok || e.Confidence != 99 {
		t.Errorf("refreshed entry: ok=%v e=%+v", ok, e)
	}
	if _, ok := s.Check(EntryIPv4, "b"); ok {
		t.Error("lru entry survived eviction")
	}
}

func TestRefreshFromFeed(t *testing.T) {
	doc := map[string]any{
		"version": "2026-08-29T12:00:00Z",
		"entries": []*Entry{
			activeEntry(EntryIPv4, "203.0.113.9"),
			activeEntry(EntryPattern, `(?i)campaign-marker`),
			{Type: EntryIPv4, Value: ""}, // skipped
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	s := newTestStore(t, 10)
	client := NewFeedClient(srv.URL, time.Second, zerolog.Nop())

	version, entries, err := Refresh(context.Background(), client, s)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if version != "2026-08-29T12:00:00Z" {
		t.Errorf("version = %q", version)
	}
	if len(entries) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(entries))
	}
	if _, ok := s.Check(EntryIPv4, "203.0.113.9"); !ok {
		t.Error("address entry not loaded")
	}
	if _, ok := s.Check(EntryPattern, `(?i)campaign-marker`); !ok {
		t.Error("pattern entry not loaded")
	}
}

func TestRefreshFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestStore(t, 10)
	s.Add(activeEntry(EntryIPv4, "203.0.113.9"))

	client := NewFeedClient(srv.URL, time.Second, zerolog.Nop())
	if _, _, err := Refresh(context.Background(), client, s); err == nil {
		t.Fatal("refresh against failing feed should error")
	}
	// Previous entries stay in place on a failed refresh.
	if _, ok := s.Check(EntryIPv4, "203.0.113.9"); !ok {
		t.Error("failed refresh dropped existing entries")
	}
}
