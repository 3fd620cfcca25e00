package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitpart/bitpart"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testClient() bitpart.Client {
	return bitpart.Client{BotID: "b1", ChannelID: "c1", UserID: "u1"}
}

func testBot(content string) bitpart.Bot {
	return bitpart.Bot{
		ID:          "b1",
		Name:        "t",
		Flows:       []bitpart.Flow{{ID: "Default", Name: "Default", Content: content, Commands: []string{}}},
		DefaultFlow: "Default",
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	s.Close()
}

func TestBotVersionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v1, err := s.CreateBot(ctx, testBot(`start: say "v1" goto end`), "0.1.0")
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	v2, err := s.CreateBot(ctx, testBot(`start: say "v2" goto end`), "0.1.0")
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if v1.VersionID == v2.VersionID {
		t.Fatal("version IDs must be distinct")
	}

	latest, err := s.GetLatestBotVersion(ctx, "b1")
	if err != nil {
		t.Fatalf("GetLatestBotVersion: %v", err)
	}
	if latest == nil || latest.VersionID != v2.VersionID {
		t.Errorf("latest = %+v, want %s", latest, v2.VersionID)
	}

	byID, err := s.GetBotVersion(ctx, v1.VersionID)
	if err != nil {
		t.Fatalf("GetBotVersion: %v", err)
	}
	if byID == nil || byID.Bot.Flows[0].Content != `start: say "v1" goto end` {
		t.Errorf("byID = %+v", byID)
	}

	versions, err := s.GetBotVersions(ctx, "b1", 0, 0)
	if err != nil {
		t.Fatalf("GetBotVersions: %v", err)
	}
	if len(versions) != 2 || versions[0].VersionID != v2.VersionID {
		t.Errorf("versions should be newest first: %+v", versions)
	}

	missing, err := s.GetBotVersion(ctx, "ghost")
	if err != nil || missing != nil {
		t.Errorf("missing version should be (nil, nil), got (%+v, %v)", missing, err)
	}

	if err := s.DeleteBotVersion(ctx, v1.VersionID); err != nil {
		t.Fatalf("DeleteBotVersion: %v", err)
	}
	versions, _ = s.GetBotVersions(ctx, "b1", 0, 0)
	if len(versions) != 1 {
		t.Errorf("expected 1 version after delete, got %d", len(versions))
	}
}

func TestListBotsDistinctNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testBot("start: goto end")
	a.ID = "alpha"
	b := testBot("start: goto end")
	b.ID = "beta"

	_, _ = s.CreateBot(ctx, a, "0.1.0")
	_, _ = s.CreateBot(ctx, b, "0.1.0")
	_, _ = s.CreateBot(ctx, a, "0.1.0") // alpha again, now newest

	ids, err := s.ListBots(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListBots: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("ids = %v, want [alpha beta]", ids)
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	id, err := s.CreateConversation(ctx, "Default", "start", client, 0)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	open, err := s.LatestOpenConversation(ctx, client)
	if err != nil {
		t.Fatalf("LatestOpenConversation: %v", err)
	}
	if open == nil || open.ID != id || open.Status != bitpart.StatusOpen {
		t.Fatalf("open = %+v", open)
	}

	if err := s.UpdateConversation(ctx, id, "Other", "middle"); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	open, _ = s.LatestOpenConversation(ctx, client)
	if open.FlowID != "Other" || open.StepID != "middle" {
		t.Errorf("update not applied: %+v", open)
	}

	// Partial update leaves the other column alone.
	if err := s.UpdateConversation(ctx, id, "", "late"); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	open, _ = s.LatestOpenConversation(ctx, client)
	if open.FlowID != "Other" || open.StepID != "late" {
		t.Errorf("partial update wrong: %+v", open)
	}

	if err := s.SetConversationStatus(ctx, id, bitpart.StatusClosed); err != nil {
		t.Fatalf("SetConversationStatus: %v", err)
	}
	open, _ = s.LatestOpenConversation(ctx, client)
	if open != nil {
		t.Error("no conversation should be open after close")
	}

	convos, _ := s.ConversationsByClient(ctx, client, 0, 0)
	if len(convos) != 1 || convos[0].Status != bitpart.StatusClosed {
		t.Errorf("convos = %+v", convos)
	}
}

func TestLatestOpenPicksNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	first, _ := s.CreateConversation(ctx, "Default", "start", client, 0)
	_ = s.SetConversationStatus(ctx, first, bitpart.StatusClosed)
	second, _ := s.CreateConversation(ctx, "Default", "start", client, 0)

	open, _ := s.LatestOpenConversation(ctx, client)
	if open == nil || open.ID != second {
		t.Errorf("open = %+v, want %s", open, second)
	}
}

func TestOpenConversationsByBot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u1 := bitpart.Client{BotID: "b1", ChannelID: "c1", UserID: "u1"}
	u2 := bitpart.Client{BotID: "b1", ChannelID: "c1", UserID: "u2"}
	other := bitpart.Client{BotID: "b2", ChannelID: "c1", UserID: "u1"}

	_, _ = s.CreateConversation(ctx, "Default", "start", u1, 0)
	closed, _ := s.CreateConversation(ctx, "Default", "start", u2, 0)
	_ = s.SetConversationStatus(ctx, closed, bitpart.StatusClosed)
	_, _ = s.CreateConversation(ctx, "Default", "start", other, 0)

	convos, err := s.OpenConversationsByBot(ctx, "b1", 0, 0)
	if err != nil {
		t.Fatalf("OpenConversationsByBot: %v", err)
	}
	if len(convos) != 1 || convos[0].Client != u1 {
		t.Errorf("convos = %+v", convos)
	}
}

func TestMemoryLogSemantics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	// Same key written twice: no uniqueness, latest insertion wins on read.
	if err := s.CreateMemory(ctx, client, "name", "Ada", 0); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.CreateMemory(ctx, client, "name", "Grace", 0); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	mem, err := s.GetMemory(ctx, client, "name")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if mem == nil || mem.Value != "Grace" {
		t.Errorf("latest value should win: %+v", mem)
	}

	mems, _ := s.MemoriesByClient(ctx, client, 0, 0)
	if len(mems) != 2 {
		t.Errorf("log table must keep both rows, got %d", len(mems))
	}
	if mems[0].Value != "Ada" || mems[1].Value != "Grace" {
		t.Errorf("insertion order not preserved: %+v", mems)
	}

	if err := s.DeleteMemory(ctx, client, "name"); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	mems, _ = s.MemoriesByClient(ctx, client, 0, 0)
	if len(mems) != 0 {
		t.Errorf("delete by key should remove all rows for the key, got %+v", mems)
	}
}

func TestCreateMemoriesStripsQuotes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	mems := []bitpart.Memory{
		{Key: "s", Value: json.RawMessage(`"hello"`)},
		{Key: "n", Value: json.RawMessage(`42`)},
	}
	if err := s.CreateMemories(ctx, client, mems, 0); err != nil {
		t.Fatalf("CreateMemories: %v", err)
	}

	str, _ := s.GetMemory(ctx, client, "s")
	if str.Value != "hello" {
		t.Errorf("quotes not stripped: %q", str.Value)
	}
	num, _ := s.GetMemory(ctx, client, "n")
	if num.Value != "42" {
		t.Errorf("numeric value mangled: %q", num.Value)
	}
}

func TestMessagesOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	conversationID, _ := s.CreateConversation(ctx, "Default", "start", client, 0)
	payloads := []json.RawMessage{
		json.RawMessage(`{"content_type":"text","content":{"text":"one"}}`),
		json.RawMessage(`{"content_type":"text","content":{"text":"two"}}`),
	}
	if err := s.CreateMessages(ctx, conversationID, "Default", "start", bitpart.DirectionSend, payloads, 3, 0); err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}

	msgs, err := s.MessagesByClient(ctx, client, 0, 0)
	if err != nil {
		t.Fatalf("MessagesByClient: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.MessageOrder != i || m.InteractionOrder != 3 {
			t.Errorf("row %d: order (%d, %d)", i, m.InteractionOrder, m.MessageOrder)
		}
		if m.ContentType != "text" || m.Direction != bitpart.DirectionSend {
			t.Errorf("row %d: %+v", i, m)
		}
	}
}

func TestStateUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	if err := s.SetState(ctx, client, "hold", "position", json.RawMessage(`{"index":1}`), 0); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, client, "hold", "position", json.RawMessage(`{"index":2}`), 0); err != nil {
		t.Fatalf("SetState upsert: %v", err)
	}

	raw, err := s.GetState(ctx, client, "hold", "position")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(raw) != `{"index":2}` {
		t.Errorf("value = %s, want upserted", raw)
	}

	states, _ := s.StatesByClient(ctx, client)
	if len(states) != 1 {
		t.Errorf("composite key must be unique, got %d rows", len(states))
	}

	// Distinct type/key coexists.
	_ = s.SetState(ctx, client, "bot", "previous", json.RawMessage(`{"bot":"a"}`), 0)
	states, _ = s.StatesByClient(ctx, client)
	if len(states) != 2 {
		t.Errorf("expected 2 state rows, got %d", len(states))
	}

	if err := s.DeleteState(ctx, client, "hold", "position"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	raw, _ = s.GetState(ctx, client, "hold", "position")
	if raw != nil {
		t.Error("state should be deleted")
	}
}

func TestDeleteBotCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	_, _ = s.CreateBot(ctx, testBot("start: goto end"), "0.1.0")
	conversationID, _ := s.CreateConversation(ctx, "Default", "start", client, 0)
	_ = s.CreateMessages(ctx, conversationID, "Default", "start", bitpart.DirectionSend,
		[]json.RawMessage{json.RawMessage(`{"content_type":"text"}`)}, 0, 0)
	_ = s.CreateMemory(ctx, client, "k", "v", 0)
	_ = s.SetState(ctx, client, "hold", "position", json.RawMessage(`{}`), 0)

	if err := s.DeleteBot(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}

	if ids, _ := s.ListBots(ctx, 0, 0); len(ids) != 0 {
		t.Error("bot versions should be gone")
	}
	if convos, _ := s.ConversationsByClient(ctx, client, 0, 0); len(convos) != 0 {
		t.Error("conversations should be gone")
	}
	if mems, _ := s.MemoriesByClient(ctx, client, 0, 0); len(mems) != 0 {
		t.Error("memories should be gone")
	}
	if states, _ := s.StatesByClient(ctx, client); len(states) != 0 {
		t.Error("state rows should be gone")
	}
}

func TestPurgeExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := testClient()

	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()

	_ = s.CreateMemory(ctx, client, "stale", "x", past)
	_ = s.CreateMemory(ctx, client, "fresh", "y", future)
	_ = s.CreateMemory(ctx, client, "forever", "z", 0)
	_ = s.SetState(ctx, client, "hold", "position", json.RawMessage(`{}`), past)

	n, err := s.PurgeExpired(ctx, time.Now().Unix())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d rows, want 2", n)
	}

	mems, _ := s.MemoriesByClient(ctx, client, 0, 0)
	if len(mems) != 2 {
		t.Errorf("expected fresh and forever to survive, got %+v", mems)
	}
	raw, _ := s.GetState(ctx, client, "hold", "position")
	if raw != nil {
		t.Error("expired state should be purged")
	}
}

func TestGetStateAbsent(t *testing.T) {
	s := testStore(t)
	raw, err := s.GetState(context.Background(), testClient(), "hold", "position")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if raw != nil {
		t.Error("absent state should be nil")
	}
}
