package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitpart/bitpart"
	"github.com/bitpart/bitpart/csml"
	"github.com/bitpart/bitpart/store/sqlite"
)

func testServer(t *testing.T, authToken string) *Server {
	t.Helper()
	st := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	engine := bitpart.New(st, csml.New())
	return New(engine, st, authToken)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const helloBotJSON = `{
	"id": "bot_id",
	"name": "test",
	"flows": [
		{"id": "Default", "name": "Default", "content": "start: say \"Hello\" goto end", "commands": []}
	],
	"default_flow": "Default"
}`

func TestPostBotAndGet(t *testing.T) {
	s := testServer(t, "")

	rec := do(t, s, http.MethodPost, "/bots", helloBotJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /bots = %d: %s", rec.Code, rec.Body)
	}
	var version bitpart.BotVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &version); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if version.VersionID == "" || version.Bot.ID != "bot_id" {
		t.Errorf("unexpected version: %+v", version)
	}

	rec = do(t, s, http.MethodGet, "/bots/bot_id", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /bots/bot_id = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/bots", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "bot_id") {
		t.Fatalf("GET /bots = %d: %s", rec.Code, rec.Body)
	}
}

func TestPostBotInvalid(t *testing.T) {
	s := testServer(t, "")
	rec := do(t, s, http.MethodPost, "/bots", `{"id":"x","name":"x","flows":[],"default_flow":"Nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid bot should 400, got %d", rec.Code)
	}
}

func TestBotVersionsAndDelete(t *testing.T) {
	s := testServer(t, "")
	do(t, s, http.MethodPost, "/bots", helloBotJSON)
	do(t, s, http.MethodPost, "/bots", helloBotJSON)

	rec := do(t, s, http.MethodGet, "/bots/bot_id/versions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET versions = %d", rec.Code)
	}
	var versions []bitpart.BotVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &versions); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}

	rec = do(t, s, http.MethodDelete, "/bots/bot_id", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/bots/bot_id", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted bot should 404, got %d", rec.Code)
	}
}

func TestPostRequestHello(t *testing.T) {
	s := testServer(t, "")

	body := `{
		"bot": ` + helloBotJSON + `,
		"event": {
			"id": "request_id",
			"client": {"bot_id": "bot_id", "channel_id": "channel_id", "user_id": "user_id"},
			"payload": {"content_type": "text", "content": {"text": "toto"}},
			"metadata": null
		}
	}`
	rec := do(t, s, http.MethodPost, "/request", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /request = %d: %s", rec.Code, rec.Body)
	}
	var reply bitpart.ReplyEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(reply.Messages) != 1 || !strings.Contains(string(reply.Messages[0].Payload), "Hello") {
		t.Errorf("unexpected reply: %s", rec.Body)
	}
	if !reply.ConversationEnd {
		t.Error("conversation_end should be true")
	}
}

func TestPostRequestUnknownBot(t *testing.T) {
	s := testServer(t, "")
	body := `{
		"bot_id": "ghost",
		"event": {
			"id": "r1",
			"client": {"bot_id": "ghost", "channel_id": "c1", "user_id": "u1"},
			"payload": {"content_type": "text", "content": {"text": "hi"}}
		}
	}`
	rec := do(t, s, http.MethodPost, "/request", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown bot should 404, got %d: %s", rec.Code, rec.Body)
	}
}

func TestClientScopedEndpoints(t *testing.T) {
	s := testServer(t, "")

	do(t, s, http.MethodPost, "/bots", helloBotJSON)
	body := `{
		"bot_id": "bot_id",
		"event": {
			"id": "r1",
			"client": {"bot_id": "bot_id", "channel_id": "c1", "user_id": "u1"},
			"payload": {"content_type": "text", "content": {"text": "hi"}, "secure": false}
		}
	}`
	if rec := do(t, s, http.MethodPost, "/request", body); rec.Code != http.StatusOK {
		t.Fatalf("POST /request = %d: %s", rec.Code, rec.Body)
	}

	query := "?bot_id=bot_id&channel_id=c1&user_id=u1"
	rec := do(t, s, http.MethodGet, "/conversations"+query, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /conversations = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/messages"+query, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /messages = %d", rec.Code)
	}

	// Memory CRUD through the adapter.
	rec = do(t, s, http.MethodPost, "/memories"+query, `{"key":"name","value":"Ada"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /memories = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/memories/name"+query, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Ada") {
		t.Fatalf("GET /memories/name = %d: %s", rec.Code, rec.Body)
	}
	rec = do(t, s, http.MethodDelete, "/memories"+query, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /memories = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/memories"+query, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("emptied memories should 404, got %d", rec.Code)
	}

	// Missing triple components are rejected.
	rec = do(t, s, http.MethodGet, "/conversations?bot_id=bot_id", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partial client should 400, got %d", rec.Code)
	}
}

func TestAuthToken(t *testing.T) {
	s := testServer(t, "secret")

	rec := do(t, s, http.MethodGet, "/bots", "")
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be rejected, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/bots", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token should pass, got %d", rec.Code)
	}
}
