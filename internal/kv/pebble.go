package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists KV state on disk so rate windows and dedup markers
// survive restarts. Each value is stored as an 8-byte big-endian expiry
// (unix nanos, 0 = none) followed by the payload.
type PebbleStore struct {
	db    *pebble.DB
	mu    sync.Mutex // serialises read-modify-write operations
	clock func() time.Time
}

func OpenPebble(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, clock: time.Now}, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func encode(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt.UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

func decode(raw []byte) ([]byte, time.Time, error) {
	if len(raw) < 8 {
		return nil, time.Time{}, errors.New("kv: corrupt record")
	}
	var exp time.Time
	if ns := binary.BigEndian.Uint64(raw[:8]); ns != 0 {
		exp = time.Unix(0, int64(ns))
	}
	v := make([]byte, len(raw)-8)
	copy(v, raw[8:])
	return v, exp, nil
}

// read returns the live value for key. Expired records read as absent.
func (s *PebbleStore) read(key string, now time.Time) ([]byte, time.Time, bool, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	v, exp, derr := decode(raw)
	closer.Close()
	if derr != nil {
		return nil, time.Time{}, false, derr
	}
	if !exp.IsZero() && !now.Before(exp) {
		return nil, time.Time{}, false, nil
	}
	return v, exp, true, nil
}

func (s *PebbleStore) write(key string, value []byte, exp time.Time) error {
	if err := s.db.Set([]byte(key), encode(value, exp), pebble.Sync); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, _, ok, err := s.read(key, s.clock())
	return v, ok, err
}

func (s *PebbleStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.write(key, value, expiry(s.clock(), ttl))
}

func (s *PebbleStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	_, _, ok, err := s.read(key, now)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, s.write(key, value, expiry(now, ttl))
}

func (s *PebbleStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	v, exp, ok, err := s.read(key, now)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, s.write(key, []byte("1"), expiry(now, ttl))
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, errNotInteger(key)
	}
	n++
	return n, s.write(key, []byte(strconv.FormatInt(n, 10)), exp)
}

func (s *PebbleStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	v, _, ok, err := s.read(key, now)
	if err != nil || !ok {
		return err
	}
	return s.write(key, v, expiry(now, ttl))
}

func (s *PebbleStore) TTL(_ context.Context, key string) (time.Duration, error) {
	now := s.clock()
	_, exp, ok, err := s.read(key, now)
	if err != nil || !ok {
		return 0, err
	}
	if exp.IsZero() {
		return -1, nil
	}
	return exp.Sub(now), nil
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Prune(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()

	it, err := s.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("kv iter: %w", err)
	}
	batch := s.db.NewBatch()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		if ctx.Err() != nil {
			break
		}
		_, exp, derr := decode(it.Value())
		if derr != nil || (!exp.IsZero() && !now.Before(exp)) {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			if err := batch.Delete(k, nil); err != nil {
				it.Close()
				batch.Close()
				return 0, err
			}
			n++
		}
	}
	if err := it.Close(); err != nil {
		batch.Close()
		return 0, err
	}
	if n == 0 {
		return 0, batch.Close()
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("kv prune commit: %w", err)
	}
	return n, batch.Close()
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
