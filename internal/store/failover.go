package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/metrics"
)

// Failover serves every operation from the primary store and degrades to the
// in-process fallback when the primary errors. Block decisions already taken
// therefore stay enforceable while the durable store is unreachable; a
// persistence failure never becomes allow-by-default.
type Failover struct {
	primary  Store
	fallback Store
	logger   zerolog.Logger
}

// NewFailover wraps primary with a fallback (normally a Memory store).
func NewFailover(primary, fallback Store, logger zerolog.Logger) *Failover {
	return &Failover{primary: primary, fallback: fallback, logger: logger}
}

func (f *Failover) degrade(op string, err error) {
	metrics.StoreFailovers.WithLabelValues(op).Inc()
	f.logger.Warn().Err(err).Str("op", op).Msg("primary store error, serving from fallback")
}

func (f *Failover) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := f.primary.Incr(ctx, key, ttl)
	if err != nil {
		f.degrade("incr", err)
		return f.fallback.Incr(ctx, key, ttl)
	}
	return n, nil
}

func (f *Failover) Get(ctx context.Context, key string, dest any) (bool, error) {
	found, err := f.primary.Get(ctx, key, dest)
	if err != nil {
		f.degrade("get", err)
		return f.fallback.Get(ctx, key, dest)
	}
	return found, nil
}

func (f *Failover) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		f.degrade("set", err)
		return f.fallback.Set(ctx, key, value, ttl)
	}
	// Shadow-write so the fallback can answer if the primary drops later.
	_ = f.fallback.Set(ctx, key, value, ttl)
	return nil
}

func (f *Failover) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetNX(ctx, key, value, ttl)
	if err != nil {
		f.degrade("setnx", err)
		return f.fallback.SetNX(ctx, key, value, ttl)
	}
	if ok {
		_, _ = f.fallback.SetNX(ctx, key, value, ttl)
	}
	return ok, nil
}

func (f *Failover) Delete(ctx context.Context, key string) error {
	err := f.primary.Delete(ctx, key)
	_ = f.fallback.Delete(ctx, key)
	return err
}

func (f *Failover) SAdd(ctx context.Context, key, member string) error {
	if err := f.primary.SAdd(ctx, key, member); err != nil {
		f.degrade("sadd", err)
		return f.fallback.SAdd(ctx, key, member)
	}
	_ = f.fallback.SAdd(ctx, key, member)
	return nil
}

func (f *Failover) SRem(ctx context.Context, key, member string) error {
	if err := f.primary.SRem(ctx, key, member); err != nil {
		f.degrade("srem", err)
		return f.fallback.SRem(ctx, key, member)
	}
	_ = f.fallback.SRem(ctx, key, member)
	return nil
}

func (f *Failover) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := f.primary.SIsMember(ctx, key, member)
	if err != nil {
		f.degrade("sismember", err)
		return f.fallback.SIsMember(ctx, key, member)
	}
	return ok, nil
}

func (f *Failover) Close() error {
	_ = f.fallback.Close()
	return f.primary.Close()
}
