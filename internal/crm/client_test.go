package crm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"inboxbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(url string) *Client {
	return New(Config{URL: url, APIKey: "k", InitialBackoff: time.Millisecond, Logger: testLogger()})
}

var contact = domain.Contact{Channel: domain.ChannelInstagram, SenderID: "s1", Name: "Ana", Email: "ana@shop.com"}

func TestNew_DisabledWithoutURL(t *testing.T) {
	if New(Config{}) != nil {
		t.Fatal("expected nil client without URL")
	}
}

func TestSyncContact_Posts(t *testing.T) {
	var got domain.Contact
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).SyncContact(context.Background(), contact); err != nil {
		t.Fatalf("SyncContact: %v", err)
	}
	if got != contact {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if auth != "Bearer k" {
		t.Fatalf("unexpected auth header: %q", auth)
	}
}

func TestSyncContact_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).SyncContact(context.Background(), contact); err != nil {
		t.Fatalf("SyncContact: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestSyncContact_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad email", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).SyncContact(context.Background(), contact); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestSyncContact_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).SyncContact(context.Background(), contact); err == nil {
		t.Fatal("expected error after retries")
	}
	if calls.Load() != defaultMaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", defaultMaxRetries+1, calls.Load())
	}
}
