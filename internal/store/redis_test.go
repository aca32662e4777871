package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr(), "", 0, 2, zerolog.Nop())
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisIncrExpiresFromFirstIncrement(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := r.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Fatalf("incr = %d, want %d", n, want)
		}
	}

	// EXPIRE NX only arms a TTL once, so the window anchors to the first
	// increment regardless of later traffic.
	mr.FastForward(59 * time.Second)
	if n, _ := r.Incr(ctx, "counter", time.Minute); n != 4 {
		t.Fatalf("incr before expiry = %d, want 4", n)
	}
	mr.FastForward(2 * time.Second)
	if n, _ := r.Incr(ctx, "counter", time.Minute); n != 1 {
		t.Fatalf("incr after expiry = %d, want fresh counter at 1", n)
	}
}

func TestRedisSetGetSetNX(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	type rec struct {
		Reason string `json:"reason"`
	}
	if err := r.Set(ctx, "k", rec{Reason: "abuse"}, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got rec
	found, err := r.Get(ctx, "k", &got)
	if err != nil || !found || got.Reason != "abuse" {
		t.Fatalf("get: found=%v err=%v got=%+v", found, err, got)
	}
	if found, err := r.Get(ctx, "missing", &got); found || err != nil {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}

	ok, err := r.SetNX(ctx, "block", rec{Reason: "first"}, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = r.SetNX(ctx, "block", rec{Reason: "second"}, time.Hour)
	if err != nil || ok {
		t.Fatalf("duplicate setnx: ok=%v err=%v, want ok=false", ok, err)
	}
	if found, _ := r.Get(ctx, "block", &got); !found || got.Reason != "first" {
		t.Fatalf("setnx kept %+v, want original", got)
	}

	mr.FastForward(2 * time.Hour)
	if found, _ := r.Get(ctx, "block", &got); found {
		t.Error("entry survived past expiry")
	}
}

func TestRedisSetMembership(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	if err := r.SAdd(ctx, "blocked", "10.0.0.5"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if ok, _ := r.SIsMember(ctx, "blocked", "10.0.0.5"); !ok {
		t.Error("member missing after sadd")
	}
	if ok, _ := r.SIsMember(ctx, "blocked", "10.0.0.6"); ok {
		t.Error("non-member reported present")
	}
	if err := r.SRem(ctx, "blocked", "10.0.0.5"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	if ok, _ := r.SIsMember(ctx, "blocked", "10.0.0.5"); ok {
		t.Error("member still present after srem")
	}
}

func TestRedisDelete(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	_ = r.Set(ctx, "k", "v", 0)
	if err := r.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var v string
	if found, _ := r.Get(ctx, "k", &v); found {
		t.Error("deleted key still present")
	}
}
