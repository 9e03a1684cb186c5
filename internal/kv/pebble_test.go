package kv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestPebble(t *testing.T) (*PebbleStore, *fakeClock) {
	t.Helper()
	s, err := OpenPebble(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clk := newFakeClock()
	s.clock = clk.Now
	return s, clk
}

func TestPebbleStore_SetNXAndExpiry(t *testing.T) {
	s, clk := openTestPebble(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "mid:1", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX = %v, %v", ok, err)
	}
	ok, _ = s.SetNX(ctx, "mid:1", []byte("1"), time.Minute)
	if ok {
		t.Fatal("duplicate SetNX should fail")
	}

	clk.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "mid:1"); ok {
		t.Fatal("expired key still visible")
	}
	ok, _ = s.SetNX(ctx, "mid:1", []byte("1"), time.Minute)
	if !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
}

func TestPebbleStore_IncrAndTTL(t *testing.T) {
	s, clk := openTestPebble(t)
	ctx := context.Background()

	s.Incr(ctx, "rl", time.Minute)
	clk.Advance(15 * time.Second)
	n, err := s.Incr(ctx, "rl", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 2 {
		t.Errorf("Incr = %d, want 2", n)
	}
	ttl, _ := s.TTL(ctx, "rl")
	if ttl != 45*time.Second {
		t.Errorf("TTL = %v, want 45s", ttl)
	}
}

func TestPebbleStore_DeleteAndPrune(t *testing.T) {
	s, clk := openTestPebble(t)
	ctx := context.Background()

	s.Set(ctx, "a", []byte("1"), time.Second)
	s.Set(ctx, "b", []byte("2"), 0)
	s.Set(ctx, "c", []byte("3"), 0)
	s.Delete(ctx, "c")

	clk.Advance(time.Second)
	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if v, ok, _ := s.Get(ctx, "b"); !ok || string(v) != "2" {
		t.Errorf("b = %q, %v", v, ok)
	}
	if _, ok, _ := s.Get(ctx, "c"); ok {
		t.Error("deleted key still present")
	}
}

func TestPebbleStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv")
	s, err := OpenPebble(path)
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	s.Set(context.Background(), "persist", []byte("yes"), time.Hour)
	s.Close()

	s2, err := OpenPebble(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, ok, _ := s2.Get(context.Background(), "persist")
	if !ok || string(v) != "yes" {
		t.Errorf("after reopen = %q, %v", v, ok)
	}
}
