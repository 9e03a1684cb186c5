package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"inboxbot/internal/domain"
	"inboxbot/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeen_FirstThenDuplicate(t *testing.T) {
	s := New(Config{Store: kv.NewMemoryStore(), Horizon: time.Hour, Logger: testLogger()})
	ctx := context.Background()

	seen, err := s.Seen(ctx, "mid:abc")
	if err != nil || seen {
		t.Fatalf("first Seen = %v, %v", seen, err)
	}
	seen, _ = s.Seen(ctx, "mid:abc")
	if !seen {
		t.Fatal("second Seen should report duplicate")
	}
}

func TestSeen_ExpiresAfterHorizon(t *testing.T) {
	s := New(Config{Store: kv.NewMemoryStore(), Horizon: 20 * time.Millisecond, Logger: testLogger()})
	ctx := context.Background()

	s.Seen(ctx, "k")
	time.Sleep(50 * time.Millisecond)
	if seen, _ := s.Seen(ctx, "k"); seen {
		t.Fatal("key should be forgotten after horizon")
	}
}

type failingStore struct{ domain.KVStore }

func (failingStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestForget_AllowsRedelivery(t *testing.T) {
	s := New(Config{Store: kv.NewMemoryStore(), Logger: testLogger()})
	ctx := context.Background()

	s.Seen(ctx, "mid:abc")
	s.Forget(ctx, "mid:abc")
	if seen, _ := s.Seen(ctx, "mid:abc"); seen {
		t.Fatal("forgotten key should be processed again")
	}
}

func TestSeen_FailsOpen(t *testing.T) {
	s := New(Config{Store: failingStore{}, Logger: testLogger()})
	seen, err := s.Seen(context.Background(), "k")
	if err == nil {
		t.Fatal("expected store error to be returned")
	}
	if seen {
		t.Fatal("store failure must not drop the event")
	}
}

func TestKey(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	withMID := domain.InboundEvent{
		Channel: domain.ChannelMessenger, SenderID: "u1", Timestamp: ts,
		Kind: domain.EventMessage, Message: &domain.MessagePayload{MID: "m.1", Text: "hi"},
	}
	if got := Key(withMID); got != "mid:m.1" {
		t.Errorf("Key = %q, want mid:m.1", got)
	}

	long := strings.Repeat("á", 80)
	noMID := domain.InboundEvent{
		Channel: domain.ChannelInstagram, SenderID: "u2", Timestamp: ts,
		Kind: domain.EventMessage, Message: &domain.MessagePayload{Text: long},
	}
	want := "cmp:instagram:u2:1700000000:" + strings.Repeat("á", 50)
	if got := Key(noMID); got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}

	// Same second, same text: same key.
	later := noMID
	later.Timestamp = ts.Add(300 * time.Millisecond)
	if Key(later) != Key(noMID) {
		t.Error("events in the same second should share a key")
	}
}
