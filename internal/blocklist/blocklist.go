package blocklist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/store"
)

const (
	recordPrefix = "block:"
	memberSetKey = "blocklist:addrs"
)

// Record is one blocked source address. ExpiresAt is authoritative; the
// store TTL only exists so the backend reclaims the key.
type Record struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Blocklist is the process-local cache over the durable block records.
// The cache is a performance layer, not a second source of truth: reads
// fall through to the store on a local miss and re-populate the cache.
type Blocklist struct {
	store   store.Store
	logger  zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]Record
	nowFunc func() time.Time
}

func New(st store.Store, logger zerolog.Logger) *Blocklist {
	return &Blocklist{
		store:   st,
		logger:  logger,
		cache:   make(map[string]Record),
		nowFunc: time.Now,
	}
}

// Block writes a block record for addr lasting d. An existing unexpired
// record is left untouched (duplicate blocks never extend expiry); the
// surviving record is returned either way. The bool reports whether this
// call created the record.
func (b *Blocklist) Block(ctx context.Context, addr string, d time.Duration, reason string) (Record, bool, error) {
	now := b.nowFunc()
	rec := Record{
		Address:   addr,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(d),
	}

	created, err := b.store.SetNX(ctx, recordPrefix+addr, rec, d)
	if err != nil {
		// Keep the decision enforceable in-process even when the durable
		// write failed.
		b.cacheAdd(rec)
		return rec, true, err
	}
	if !created {
		var existing Record
		if found, gerr := b.store.Get(ctx, recordPrefix+addr, &existing); gerr == nil && found {
			b.cacheAdd(existing)
			return existing, false, nil
		}
		// Record vanished between SetNX and Get; fall back to local state.
		if cached, ok := b.cached(addr); ok {
			return cached, false, nil
		}
		return rec, false, nil
	}

	if err := b.store.SAdd(ctx, memberSetKey, addr); err != nil {
		b.logger.Warn().Err(err).Str("address", addr).Msg("blocklist member set update failed")
	}
	b.cacheAdd(rec)
	b.logger.Info().
		Str("address", addr).
		Str("reason", reason).
		Time("expires_at", rec.ExpiresAt).
		Msg("address blocked")
	return rec, true, nil
}

// IsBlocked reports whether addr is currently blocked. Presence checks never
// touch the record's expiry.
func (b *Blocklist) IsBlocked(ctx context.Context, addr string) (Record, bool) {
	now := b.nowFunc()

	if rec, ok := b.cached(addr); ok {
		if now.Before(rec.ExpiresAt) {
			return rec, true
		}
		b.cacheRemove(addr)
		_ = b.store.SRem(ctx, memberSetKey, addr)
		return Record{}, false
	}

	var rec Record
	found, err := b.store.Get(ctx, recordPrefix+addr, &rec)
	if err != nil {
		b.logger.Warn().Err(err).Str("address", addr).Msg("blocklist read failed")
		return Record{}, false
	}
	if !found || !now.Before(rec.ExpiresAt) {
		return Record{}, false
	}
	b.cacheAdd(rec)
	return rec, true
}

// Unblock removes the record everywhere. Used by operators, not by the
// automated response path.
func (b *Blocklist) Unblock(ctx context.Context, addr string) error {
	b.cacheRemove(addr)
	_ = b.store.SRem(ctx, memberSetKey, addr)
	return b.store.Delete(ctx, recordPrefix+addr)
}

// Sweep drops expired entries from the local cache and the durable member
// set. Called from the housekeeping task.
func (b *Blocklist) Sweep(ctx context.Context) int {
	now := b.nowFunc()
	b.mu.Lock()
	var expired []string
	for addr, rec := range b.cache {
		if !now.Before(rec.ExpiresAt) {
			delete(b.cache, addr)
			expired = append(expired, addr)
		}
	}
	size := len(b.cache)
	b.mu.Unlock()

	for _, addr := range expired {
		_ = b.store.SRem(ctx, memberSetKey, addr)
	}
	metrics.BlocklistSize.Set(float64(size))
	return len(expired)
}

// Len returns the current cached entry count.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cache)
}

func (b *Blocklist) cached(addr string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.cache[addr]
	return rec, ok
}

func (b *Blocklist) cacheAdd(rec Record) {
	b.mu.Lock()
	b.cache[rec.Address] = rec
	size := len(b.cache)
	b.mu.Unlock()
	metrics.BlocklistSize.Set(float64(size))
}

func (b *Blocklist) cacheRemove(addr string) {
	b.mu.Lock()
	delete(b.cache, addr)
	size := len(b.cache)
	b.mu.Unlock()
	metrics.BlocklistSize.Set(float64(size))
}
