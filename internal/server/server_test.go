package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inboxbot/internal/agent"
	"inboxbot/internal/bus"
	"inboxbot/internal/channel"
	"inboxbot/internal/domain"
	"inboxbot/internal/health"
	"inboxbot/internal/kv"
	"inboxbot/internal/memory"
	"inboxbot/internal/metrics"
	"inboxbot/internal/ratelimit"
	"inboxbot/internal/security"
)

const testAPIKey = "test-api-key-123"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopProcessor struct{}

func (nopProcessor) Handle(ctx context.Context, evt domain.InboundEvent) (agent.Outcome, error) {
	return agent.OutcomeStored, nil
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("disk I/O error") }

type fixture struct {
	handler http.Handler
	store   *memory.SQLiteStore
	feed    *bus.Feed
}

func newFixture(t *testing.T, apiLimit int, reporter *health.Reporter) *fixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gate := security.NewGatekeeper(security.GatekeeperConfig{
		AppSecret:   "secret",
		VerifyToken: "verify-me",
		Logger:      testLogger(),
	})
	feed := bus.NewFeed(0, testLogger())
	api := NewAPI(APIConfig{
		Store: store,
		Keys:  security.NewAPIKeys([]string{testAPIKey}),
		Limiter: ratelimit.NewWindow(ratelimit.WindowConfig{
			Store:  kv.NewMemoryStore(),
			Prefix: "rl:api",
			Limit:  apiLimit,
		}),
		Feed:   feed,
		Logger: testLogger(),
	})
	if reporter == nil {
		reporter = health.NewReporter(health.ReporterConfig{Store: store, KV: kv.NewMemoryStore(), Backends: []string{"m"}, Logger: testLogger()})
	}
	srv := New(Config{
		Webhook:  channel.NewWebhook(channel.WebhookConfig{Gatekeeper: gate, Processor: nopProcessor{}, Logger: testLogger()}),
		Telegram: channel.NewTelegram(channel.TelegramConfig{Gatekeeper: gate, Processor: nopProcessor{}, Logger: testLogger()}),
		API:      api,
		Health:   reporter,
		Metrics:  metrics.New(),
		Logger:   testLogger(),
	})
	return &fixture{handler: srv.Handler(), store: store, feed: feed}
}

func (f *fixture) do(method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// --- Health and routing ---

func TestServer_Liveness(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestServer_KeepsCallerRequestID(t *testing.T) {
	f := newFixture(t, 0, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected caller request id, got %q", got)
	}
}

func TestServer_ReadinessReportsDown(t *testing.T) {
	reporter := health.NewReporter(health.ReporterConfig{Store: failingPinger{}, Logger: testLogger()})
	f := newFixture(t, 0, reporter)

	for _, path := range []string{"/readyz", "/health"} {
		rec := f.do(http.MethodGet, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rec.Code)
		}
		var rep health.Report
		if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil || rep.Status != health.StatusDown {
			t.Fatalf("%s: unexpected body %s", path, rec.Body.String())
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "inboxbot_") {
		t.Fatalf("unexpected metrics response: %d", rec.Code)
	}
}

func TestServer_WebhookRoutes(t *testing.T) {
	f := newFixture(t, 0, nil)
	q := "?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42"

	for _, path := range []string{"/webhook", "/webhook/messenger", "/webhook/instagram"} {
		rec := f.do(http.MethodGet, path+q, "")
		if rec.Code != http.StatusOK || rec.Body.String() != "42" {
			t.Fatalf("%s: expected challenge echo, got %d %q", path, rec.Code, rec.Body.String())
		}
	}
	if rec := f.do(http.MethodGet, "/webhook/whatsapp"+q, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown channel: expected 404, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/webhook/messenger", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned post: expected 401, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/webhook/telegram", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("telegram route should reject a request without a secret token, got %d", rec.Code)
	}
}

// --- Data API ---

func seed(t *testing.T, store *memory.SQLiteStore) domain.ConversationKey {
	t.Helper()
	ctx := context.Background()
	key := domain.ConversationKey{Channel: domain.ChannelInstagram, SenderID: "u9"}
	at := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	if err := store.UpsertConversation(ctx, domain.Conversation{
		Key: key, State: domain.StateInteracting, MessageCount: 2, LastActivity: at, CreatedAt: at,
	}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	for i, text := range []string{"hola", "precio?"} {
		if _, err := store.InsertMessage(ctx, domain.Message{
			Key: key, MID: fmt.Sprintf("m%d", i), Direction: domain.DirectionInbound,
			Type: domain.MessageText, Text: text, CreatedAt: at.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	return key
}

func TestAPI_RequiresKey(t *testing.T) {
	f := newFixture(t, 0, nil)
	for _, key := range []string{"", "wrong"} {
		if rec := f.do(http.MethodGet, "/api/conversations", key); rec.Code != http.StatusUnauthorized {
			t.Fatalf("key %q: expected 401, got %d", key, rec.Code)
		}
	}
}

func TestAPI_ListAndGet(t *testing.T) {
	f := newFixture(t, 0, nil)
	seed(t, f.store)

	rec := f.do(http.MethodGet, "/api/conversations?limit=10", testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list struct {
		Conversations []domain.Conversation `json:"conversations"`
		Count         int                   `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Count != 1 || list.Conversations[0].Key.SenderID != "u9" {
		t.Fatalf("unexpected list: %s", rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/conversations/instagram/u9", testAPIKey)
	var conv domain.Conversation
	json.Unmarshal(rec.Body.Bytes(), &conv)
	if rec.Code != http.StatusOK || conv.State != domain.StateInteracting {
		t.Fatalf("get: unexpected %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/conversations/instagram/u9/messages?limit=1", testAPIKey)
	var msgs struct {
		Messages []domain.Message `json:"messages"`
	}
	json.Unmarshal(rec.Body.Bytes(), &msgs)
	if rec.Code != http.StatusOK || len(msgs.Messages) != 1 || msgs.Messages[0].Text != "precio?" {
		t.Fatalf("messages: unexpected %d %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_Errors(t *testing.T) {
	f := newFixture(t, 0, nil)
	cases := map[string]int{
		"/api/conversations/instagram/nobody":            http.StatusNotFound,
		"/api/conversations/whatsapp/u1":                 http.StatusBadRequest,
		"/api/conversations?limit=abc":                   http.StatusBadRequest,
		"/api/conversations/telegram/1/messages?limit=0": http.StatusBadRequest,
	}
	for path, want := range cases {
		if rec := f.do(http.MethodGet, path, testAPIKey); rec.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}
}

func TestAPI_RateLimitedPerKey(t *testing.T) {
	f := newFixture(t, 2, nil)
	for i := 0; i < 2; i++ {
		if rec := f.do(http.MethodGet, "/api/conversations", testAPIKey); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := f.do(http.MethodGet, "/api/conversations", testAPIKey)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
}

// --- Activity stream ---

func TestAPI_StreamDeliversActivity(t *testing.T) {
	f := newFixture(t, 0, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	f.feed.Publish(bus.Activity{Type: bus.TypeEventProcessed, Channel: "messenger", SenderID: "u1", Outcome: "replied"})
	f.feed.Publish(bus.Activity{Type: bus.TypeEventProcessed, Channel: "telegram", SenderID: "u2", Outcome: "stored"})

	since := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream?channel=messenger&since=" + since
	header := http.Header{"Authorization": {"Bearer " + testAPIKey}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var replayed bus.Activity
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.SenderID != "u1" || replayed.Outcome != "replied" {
		t.Fatalf("unexpected replayed activity: %+v", replayed)
	}

	// The subscription is registered before replay, so live activity now
	// reaches the client.
	f.feed.Publish(bus.Activity{Type: bus.TypeReplySent, Channel: "messenger", SenderID: "u3", Source: "model"})
	var live bus.Activity
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Type != bus.TypeReplySent || live.SenderID != "u3" {
		t.Fatalf("unexpected live activity: %+v", live)
	}
}

func TestAPI_StreamRequiresKey(t *testing.T) {
	f := newFixture(t, 0, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}
