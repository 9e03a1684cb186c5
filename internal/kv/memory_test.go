package kv

import (
	"context"
	"sync"
	"testing"
	"time"
)

// short is a TTL tests can outwait with a sleep.
const short = 30 * time.Millisecond

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	val := []byte("abc")
	s.Set(ctx, "k", val, 0)
	val[0] = 'x'

	v, _, _ := s.Get(ctx, "k")
	v[1] = 'y'
	again, _, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value was aliased: %q", again)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), time.Minute)
	ttl, _ := s.TTL(ctx, "k")
	if ttl <= 59*time.Second || ttl > time.Minute {
		t.Errorf("TTL = %v, want about 1m", ttl)
	}

	s.Set(ctx, "brief", []byte("v"), short)
	if _, ok, _ := s.Get(ctx, "brief"); !ok {
		t.Fatal("key expired too early")
	}
	time.Sleep(2 * short)
	if _, ok, _ := s.Get(ctx, "brief"); ok {
		t.Fatal("key should be expired")
	}
	if ttl, _ := s.TTL(ctx, "brief"); ttl != 0 {
		t.Errorf("TTL of expired key = %v, want 0", ttl)
	}
}

func TestMemoryStore_TTLNoExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), 0)
	ttl, _ := s.TTL(ctx, "k")
	if ttl != -1 {
		t.Errorf("TTL = %v, want -1", ttl)
	}
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, _ := s.SetNX(ctx, "d", []byte("x"), short)
	if !ok {
		t.Fatal("first SetNX should succeed")
	}
	ok, _ = s.SetNX(ctx, "d", []byte("y"), short)
	if ok {
		t.Fatal("second SetNX should fail")
	}
	v, _, _ := s.Get(ctx, "d")
	if string(v) != "x" {
		t.Errorf("value = %q, want x", v)
	}

	time.Sleep(2 * short)
	ok, _ = s.SetNX(ctx, "d", []byte("z"), time.Hour)
	if !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
}

func TestMemoryStore_IncrKeepsTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "c", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != want {
			t.Fatalf("Incr = %d, want %d", n, want)
		}
	}
	if v, _, _ := s.Get(ctx, "c"); string(v) != "3" {
		t.Errorf("Get counter = %q, want 3", v)
	}

	// TTL is set on create only.
	s.Incr(ctx, "w", short)
	time.Sleep(short / 2)
	s.Incr(ctx, "w", time.Hour)
	if ttl, _ := s.TTL(ctx, "w"); ttl > short {
		t.Errorf("TTL = %v, want at most %v", ttl, short)
	}

	time.Sleep(short)
	n, _ := s.Incr(ctx, "w", time.Minute)
	if n != 1 {
		t.Errorf("Incr after expiry = %d, want 1", n)
	}
}

func TestMemoryStore_IncrParsesStoredDigits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "n", []byte("41"), 0)
	n, err := s.Incr(ctx, "n", 0)
	if err != nil || n != 42 {
		t.Fatalf("Incr = %d, %v, want 42", n, err)
	}
}

func TestMemoryStore_IncrNonInteger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "x", []byte("abc"), 0)
	if _, err := s.Incr(ctx, "x", 0); err == nil {
		t.Fatal("expected error for non-integer value")
	}
}

func TestMemoryStore_Expire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), 0)
	s.Expire(ctx, "k", short)
	time.Sleep(2 * short)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key should expire after Expire")
	}
	if err := s.Expire(ctx, "missing", time.Minute); err != nil {
		t.Fatalf("Expire on missing key: %v", err)
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "short", []byte("1"), short)
	s.Set(ctx, "long", []byte("1"), time.Hour)
	s.Set(ctx, "forever", []byte("1"), 0)

	time.Sleep(2 * short)
	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestMemoryStore_ConcurrentIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Incr(ctx, "n", time.Minute)
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "n")
	if string(v) != "50" {
		t.Errorf("counter = %s, want 50", v)
	}
}
