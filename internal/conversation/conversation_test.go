package conversation

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"inboxbot/internal/domain"
	"inboxbot/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	s, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "conv.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	key  = domain.ConversationKey{Channel: domain.ChannelMessenger, SenderID: "u1"}
	base = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
)

func inbound(text string, at time.Time) domain.Message {
	return domain.Message{Key: key, Direction: domain.DirectionInbound, Text: text, CreatedAt: at}
}

// --- Transition ---

func TestTransition(t *testing.T) {
	full := domain.UserInfo{Name: "Ana", Email: "ana@example.com"}
	tests := []struct {
		name    string
		current domain.State
		intent  domain.Intent
		info    domain.UserInfo
		want    domain.State
	}{
		{"initial to interacting", domain.StateInitial, domain.IntentGreeting, domain.UserInfo{}, domain.StateInteracting},
		{"interacting stays", domain.StateInteracting, domain.IntentGenericInquiry, domain.UserInfo{Name: "Ana"}, domain.StateInteracting},
		{"name and email collected", domain.StateInteracting, domain.IntentPersonalInfoShare, full, domain.StateDataCollected},
		{"collected stays", domain.StateDataCollected, domain.IntentFarewell, domain.UserInfo{}, domain.StateDataCollected},
		{"escalate from initial", domain.StateInitial, domain.IntentEscalateHuman, domain.UserInfo{}, domain.StateEscalatedToHuman},
		{"escalate beats data", domain.StateInteracting, domain.IntentEscalateHuman, full, domain.StateEscalatedToHuman},
		{"escalated is terminal", domain.StateEscalatedToHuman, domain.IntentGreeting, full, domain.StateEscalatedToHuman},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transition(tt.current, tt.intent, tt.info); got != tt.want {
				t.Errorf("Transition = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Group ---

func TestGroup_SplitsOnLargeGap(t *testing.T) {
	// Newest first, gaps of 40s, 5s, 5s.
	msgs := []domain.Message{
		inbound("anything else?", base.Add(50*time.Second)),
		inbound("how much", base.Add(10*time.Second)),
		inbound("your services", base.Add(5*time.Second)),
		inbound("hi I want", base),
	}
	turns := Group(msgs, 30*time.Second)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d: %+v", len(turns), turns)
	}
	if turns[0].Text != "hi I want your services how much" {
		t.Errorf("first turn = %q", turns[0].Text)
	}
	if turns[0].Messages != 3 || !turns[0].Start.Equal(base) || !turns[0].End.Equal(base.Add(10*time.Second)) {
		t.Errorf("first turn bounds = %+v", turns[0])
	}
	if turns[1].Text != "anything else?" {
		t.Errorf("latest turn = %q", turns[1].Text)
	}
}

func TestGroup_GapEqualToThresholdSplits(t *testing.T) {
	msgs := []domain.Message{
		inbound("b", base.Add(30*time.Second)),
		inbound("a", base),
	}
	if turns := Group(msgs, 30*time.Second); len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
}

func TestGroup_IgnoresOutbound(t *testing.T) {
	out := inbound("bot reply", base.Add(3*time.Second))
	out.Direction = domain.DirectionOutbound
	msgs := []domain.Message{
		inbound("second", base.Add(6*time.Second)),
		out,
		inbound("first", base),
	}
	turns := Group(msgs, 10*time.Second)
	if len(turns) != 1 || turns[0].Text != "first second" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestGroup_Empty(t *testing.T) {
	if turns := Group(nil, time.Second); len(turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(turns))
	}
}

// --- Policy ---

func TestPolicy_ShouldRespond(t *testing.T) {
	turn := Turn{Text: "I want to know", End: base}
	th := 20 * time.Second

	if !PolicyImmediate.ShouldRespond(turn, th, base) {
		t.Error("immediate policy must always respond")
	}
	if PolicyQuietPeriod.ShouldRespond(turn, th, base.Add(5*time.Second)) {
		t.Error("quiet period should wait for an unfinished sentence")
	}
	if !PolicyQuietPeriod.ShouldRespond(turn, th, base.Add(th)) {
		t.Error("quiet period should respond after threshold")
	}
	turn.Text = "what are your prices?"
	if !PolicyQuietPeriod.ShouldRespond(turn, th, base) {
		t.Error("quiet period should respond to a finished question")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, ok := ParsePolicy(""); !ok || p != PolicyImmediate {
		t.Errorf("empty = %q, %v", p, ok)
	}
	if p, ok := ParsePolicy("Quiet-Period"); !ok || p != PolicyQuietPeriod {
		t.Errorf("quiet-period = %q, %v", p, ok)
	}
	if _, ok := ParsePolicy("later"); ok {
		t.Error("unknown policy accepted")
	}
}

// --- Aggregator ---

func TestAggregator_Latest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for _, m := range []domain.Message{
		inbound("hello", base),
		inbound("I need a website", base.Add(5*time.Second)),
		{Key: key, Direction: domain.DirectionOutbound, Text: "Sure!", CreatedAt: base.Add(8 * time.Second)},
		inbound("how much", base.Add(60*time.Second)),
		inbound("does it cost", base.Add(62*time.Second)),
	} {
		if _, err := store.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	agg := NewAggregator(AggregatorConfig{Store: store, Threshold: 20 * time.Second})
	snap, ok, err := agg.Latest(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v", ok, err)
	}
	if snap.Turn.Text != "how much does it cost" {
		t.Errorf("turn = %q", snap.Turn.Text)
	}
	if !snap.ShouldRespond {
		t.Error("immediate policy should respond")
	}
	if len(snap.History) != 5 || snap.History[0].Text != "hello" {
		t.Errorf("history not oldest-first: %+v", snap.History)
	}
	want := "User: hello\nUser: I need a website\nAssistant: Sure!\nUser: how much\nUser: does it cost\n"
	if got := Transcript(snap.History); got != want {
		t.Errorf("transcript = %q", got)
	}
}

func TestAggregator_NoMessages(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Store: testStore(t)})
	_, ok, err := agg.Latest(context.Background(), key)
	if err != nil || ok {
		t.Fatalf("Latest on empty = %v, %v", ok, err)
	}
}

// --- Manager ---

func TestManager_GetOrCreateAndSave(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, testLogger())
	ctx := context.Background()

	conv, err := m.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if conv.State != domain.StateInitial {
		t.Fatalf("new conversation state = %s", conv.State)
	}

	next, learned := Apply(*conv, Update{
		UserText: "soy Ana, ana@example.com",
		Reply:    "Gracias Ana",
		Intent:   domain.IntentPersonalInfoShare,
		Info:     domain.UserInfo{Name: "Ana", Email: "ana@example.com"},
		At:       base,
	})
	if learned.Name != "Ana" || learned.Email != "ana@example.com" {
		t.Errorf("learned = %+v", learned)
	}
	if err := m.Save(ctx, next); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetOrCreate(ctx, key)
	if got.State != domain.StateDataCollected || got.MessageCount != 1 || got.LastReply != "Gracias Ana" {
		t.Errorf("saved = %+v", got)
	}

	// Known values are not overwritten and not re-learned.
	again, learned := Apply(*got, Update{Info: domain.UserInfo{Name: "Other"}, Intent: domain.IntentGenericInquiry})
	if again.Info.Name != "Ana" || !learned.IsZero() {
		t.Errorf("overwrote known name: %+v learned %+v", again.Info, learned)
	}
}

func TestManager_LockSerialises(t *testing.T) {
	m := NewManager(testStore(t), testLogger())
	unlock := m.Lock(key)
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		m.Lock(key)()
	}()
	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired")
	}
}
