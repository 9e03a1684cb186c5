package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFeed_PublishAndReceive(t *testing.T) {
	f := NewFeed(0, testLogger())

	var got Activity
	f.On(TypeReplySent, func(a Activity) { got = a })

	f.Publish(Activity{Type: TypeReplySent, Channel: "messenger", SenderID: "u1", Source: "model"})

	if got.SenderID != "u1" || got.Source != "model" {
		t.Fatalf("unexpected activity: %+v", got)
	}
	if got.At.IsZero() {
		t.Fatal("timestamp should be set on publish")
	}
}

func TestFeed_WildcardHandler(t *testing.T) {
	f := NewFeed(0, testLogger())

	var count atomic.Int32
	f.On("*", func(a Activity) { count.Add(1) })

	f.Publish(Activity{Type: TypeEventProcessed})
	f.Publish(Activity{Type: TypeEscalated})

	if count.Load() != 2 {
		t.Fatalf("expected 2, got %d", count.Load())
	}
}

func TestFeed_Off(t *testing.T) {
	f := NewFeed(0, testLogger())

	var count atomic.Int32
	id := f.On(TypeEventProcessed, func(a Activity) { count.Add(1) })
	other := f.On(TypeEventProcessed, func(a Activity) {})

	f.Publish(Activity{Type: TypeEventProcessed})
	f.Off(TypeEventProcessed, id)
	f.Publish(Activity{Type: TypeEventProcessed})

	if count.Load() != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count.Load())
	}
	if id == other {
		t.Fatal("handler ids must be unique")
	}
}

func TestFeed_ReplaySince(t *testing.T) {
	f := NewFeed(0, testLogger())

	f.Publish(Activity{Type: TypeEventProcessed, At: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	f.Publish(Activity{Type: TypeEventProcessed})
	f.Publish(Activity{Type: TypeReplySent})

	if got := f.Replay("*", threshold); len(got) != 2 {
		t.Fatalf("expected 2 activities since threshold, got %d", len(got))
	}
	if got := f.Replay(TypeReplySent, time.Time{}); len(got) != 1 {
		t.Fatalf("expected 1 reply.sent, got %d", len(got))
	}
}

func TestFeed_HistoryLimit(t *testing.T) {
	f := NewFeed(5, testLogger())
	for i := 0; i < 10; i++ {
		f.Publish(Activity{Type: TypeEventProcessed})
	}
	if f.HistoryLen() != 5 {
		t.Fatalf("expected 5, got %d", f.HistoryLen())
	}
}

func TestFeed_PanicRecovery(t *testing.T) {
	f := NewFeed(0, testLogger())
	var after atomic.Int32
	f.On("*", func(a Activity) { panic("boom") })
	f.On("*", func(a Activity) { after.Add(1) })

	f.Publish(Activity{Type: TypeEventProcessed})

	if after.Load() != 1 {
		t.Fatal("handlers after a panicking one must still run")
	}
}

func TestFeed_NilIsNoop(t *testing.T) {
	var f *Feed
	f.Publish(Activity{Type: TypeEventProcessed})
}
