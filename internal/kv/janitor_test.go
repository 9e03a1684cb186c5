package kv

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJanitor_RunOnce(t *testing.T) {
	store := NewMemoryStore()
	store.Set(context.Background(), "x", []byte("1"), short)
	time.Sleep(2 * short)

	var pruned int
	j, err := NewJanitor(JanitorConfig{
		Store:   store,
		Logger:  testLogger(),
		OnPrune: func(n int) { pruned = n },
	})
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.RunOnce()

	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d, want 0", store.Len())
	}
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	_, err := NewJanitor(JanitorConfig{
		Store:    NewMemoryStore(),
		Schedule: "not a schedule",
		Logger:   testLogger(),
	})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(JanitorConfig{Store: NewMemoryStore(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Start()
	j.Stop()
}
