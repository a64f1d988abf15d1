package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/officepro/historydb/internal/auth"
	"github.com/officepro/historydb/internal/config"
	"github.com/officepro/historydb/internal/storage"
	"github.com/officepro/historydb/internal/workspace"
)

type testEnv struct {
	workspace *workspace.Workspace
	store     *storage.MemoryStore
	bridge    *Bridge
	server    *httptest.Server
	keys      *auth.Keyring
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Capabilities.AutoSave = false
	store := storage.NewMemoryStore()
	ws, err := workspace.New(cfg, store, nil)
	if err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	keys, err := auth.NewKeyring("")
	if err != nil {
		t.Fatal(err)
	}

	bridge := NewBridge(ws, cfg.CORSOrigins)
	server := httptest.NewServer(NewAPIServer(ws, store, bridge, keys, cfg.CORSOrigins))
	t.Cleanup(func() {
		server.Close()
		bridge.Close()
		ws.Shutdown(context.Background())
	})

	return &testEnv{workspace: ws, store: store, bridge: bridge, server: server, keys: keys}
}

func (env *testEnv) dial(t *testing.T, author string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?author=" + author
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, id string, msgType MessageType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	msg := Message{Type: msgType, Payload: raw, MessageID: id, Timestamp: time.Now()}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to send %s: %v", msgType, err)
	}
}

// readReply skips pushed events until the reply to id arrives.
func readReply(t *testing.T, conn *websocket.Conn, id string) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed to read reply to %s: %v", id, err)
		}
		if msg.Type != MsgAcknowledgment && msg.Type != MsgError {
			continue
		}

		var ref struct {
			MessageID string `json:"message_id"`
		}
		json.Unmarshal(msg.Payload, &ref)
		if ref.MessageID == id {
			return &msg
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, eventType workspace.EventType) *workspace.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed waiting for %s: %v", eventType, err)
		}
		if msg.Type != MsgEvent {
			continue
		}
		var ev workspace.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type == eventType {
			return &ev
		}
	}
}

func ackResult(t *testing.T, msg *Message, target interface{}) {
	t.Helper()
	if msg.Type != MsgAcknowledgment {
		t.Fatalf("Expected ack, got %s: %s", msg.Type, msg.Payload)
	}
	var ack struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success {
		t.Fatal("Ack should report success")
	}
	if target != nil {
		if err := json.Unmarshal(ack.Result, target); err != nil {
			t.Fatal(err)
		}
	}
}

func errorCodeOf(t *testing.T, msg *Message) string {
	t.Helper()
	if msg.Type != MsgError {
		t.Fatalf("Expected error, got %s: %s", msg.Type, msg.Payload)
	}
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p.Code
}

func TestBridge_EditSaveRestore(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.dial(t, "alice")

	send(t, conn, "1", MsgOpen, OpenPayload{DocumentID: "doc", Content: "Hello world"})
	var opened OpenResult
	ackResult(t, readReply(t, conn, "1"), &opened)
	if opened.Text != "Hello world" || opened.Version != 1 {
		t.Fatalf("Unexpected open result %+v", opened)
	}

	send(t, conn, "2", MsgComment, CommentPayload{DocumentID: "doc", Start: 6, End: 11, Text: "check"})
	ackResult(t, readReply(t, conn, "2"), nil)

	send(t, conn, "3", MsgEdit, EditPayload{DocumentID: "doc", Position: 0, Inserted: "Say: "})
	ackResult(t, readReply(t, conn, "3"), nil)

	send(t, conn, "4", MsgSave, SavePayload{DocumentID: "doc", Description: "greeting"})
	var saved VersionPayload
	ackResult(t, readReply(t, conn, "4"), &saved)
	if saved.Sequence != 2 {
		t.Errorf("Expected v2, got %d", saved.Sequence)
	}

	send(t, conn, "5", MsgRestore, VersionPayload{DocumentID: "doc", Sequence: 1})
	var restored VersionPayload
	ackResult(t, readReply(t, conn, "5"), &restored)
	if restored.Sequence != 3 {
		t.Errorf("Expected restore recorded as v3, got %d", restored.Sequence)
	}

	ev := readEvent(t, conn, workspace.EventVersionRestored)
	if ev.Sequence != 3 || ev.Author != "alice" {
		t.Errorf("Unexpected restore event %+v", ev)
	}

	s, _ := env.workspace.Get("doc")
	if s.Text() != "Hello world" {
		t.Errorf("Expected restored content, got %q", s.Text())
	}
}

func TestBridge_ErrorCodes(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.dial(t, "alice")

	send(t, conn, "1", MsgEdit, EditPayload{DocumentID: "doc", Inserted: "x"})
	if code := errorCodeOf(t, readReply(t, conn, "1")); code != CodeNotFound {
		t.Errorf("Expected not_found before open, got %s", code)
	}

	send(t, conn, "2", MsgOpen, OpenPayload{DocumentID: "doc", Content: "Hello"})
	ackResult(t, readReply(t, conn, "2"), nil)

	send(t, conn, "3", MsgEdit, EditPayload{DocumentID: "doc", Position: 3, RemovedLength: 10})
	if code := errorCodeOf(t, readReply(t, conn, "3")); code != CodeOutOfRange {
		t.Errorf("Expected out_of_range, got %s", code)
	}

	send(t, conn, "4", MsgMaterialize, VersionPayload{DocumentID: "doc", Sequence: 9})
	if code := errorCodeOf(t, readReply(t, conn, "4")); code != CodeVersionNotFound {
		t.Errorf("Expected version_not_found, got %s", code)
	}

	send(t, conn, "5", MessageType("bogus"), OpenPayload{DocumentID: "doc"})
	if code := errorCodeOf(t, readReply(t, conn, "5")); code != CodeInvalidMessage {
		t.Errorf("Expected invalid_message, got %s", code)
	}

	send(t, conn, "6", MsgTrackedEdit, EditPayload{DocumentID: "doc", Position: 0, RemovedLength: 5, Inserted: "Howdy"})
	ackResult(t, readReply(t, conn, "6"), nil)
	s, _ := env.workspace.Get("doc")
	changes, _ := s.Changes()
	pending := changes.List()
	if len(pending) != 2 {
		t.Fatalf("Expected two tracked changes, got %d", len(pending))
	}

	send(t, conn, "7", MsgAccept, AnnotationPayload{DocumentID: "doc", ID: pending[0].ID})
	ackResult(t, readReply(t, conn, "7"), nil)
	send(t, conn, "8", MsgReject, AnnotationPayload{DocumentID: "doc", ID: pending[0].ID})
	if code := errorCodeOf(t, readReply(t, conn, "8")); code != CodeAlreadyResolved {
		t.Errorf("Expected already_resolved, got %s", code)
	}

	send(t, conn, "9", MsgComment, CommentPayload{DocumentID: "doc", Start: 2, End: 40, Text: "too far"})
	if code := errorCodeOf(t, readReply(t, conn, "9")); code != CodeOutOfRange {
		t.Errorf("Expected out_of_range for a comment past the end, got %s", code)
	}
}

func TestBridge_EventsReachOtherClients(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, "1", MsgOpen, OpenPayload{DocumentID: "doc", Content: "Hello world"})
	ackResult(t, readReply(t, alice, "1"), nil)
	send(t, bob, "1", MsgOpen, OpenPayload{DocumentID: "doc"})
	var opened OpenResult
	ackResult(t, readReply(t, bob, "1"), &opened)
	if opened.Text != "Hello world" {
		t.Errorf("Second client should see the open document, got %q", opened.Text)
	}

	send(t, alice, "2", MsgComment, CommentPayload{DocumentID: "doc", Start: 6, End: 11, Text: "check"})
	ackResult(t, readReply(t, alice, "2"), nil)
	send(t, alice, "3", MsgEdit, EditPayload{DocumentID: "doc", Position: 5, RemovedLength: 6})
	ackResult(t, readReply(t, alice, "3"), nil)

	ev := readEvent(t, bob, workspace.EventAnnotationOrphaned)
	if ev.Annotation == nil || ev.Annotation.Anchor.Start != 5 || !ev.Annotation.Anchor.IsEmpty() {
		t.Errorf("Expected orphan collapsed at 5, got %+v", ev.Annotation)
	}

	if presence := env.bridge.Presence().DocumentPresence("doc"); len(presence) != 2 {
		t.Errorf("Expected two clients on doc, got %d", len(presence))
	}
}

func TestAPI_History(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	s, err := env.workspace.Open(ctx, "doc", "Hello world", "alice")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyEdit("alice", 0, 0, "Say: ")
	versions, _ := s.Versions()
	versions.Save(ctx, "alice", "")

	var list struct {
		Data []struct {
			ID   string `json:"id"`
			Open bool   `json:"open"`
		} `json:"data"`
	}
	getJSON(t, env.server.URL+"/api/v1/documents", http.StatusOK, &list)
	if len(list.Data) != 1 || list.Data[0].ID != "doc" || !list.Data[0].Open {
		t.Errorf("Unexpected documents %+v", list.Data)
	}

	var infos struct {
		Data []struct {
			Sequence uint64 `json:"sequence_number"`
		} `json:"data"`
	}
	getJSON(t, env.server.URL+"/api/v1/documents/doc/versions", http.StatusOK, &infos)
	if len(infos.Data) != 2 {
		t.Errorf("Expected 2 versions, got %d", len(infos.Data))
	}

	var version struct {
		Data struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	getJSON(t, env.server.URL+"/api/v1/documents/doc/versions/1", http.StatusOK, &version)
	if version.Data.Text != "Hello world" {
		t.Errorf("Expected v1 text, got %q", version.Data.Text)
	}

	var missing ErrorResponse
	getJSON(t, env.server.URL+"/api/v1/documents/doc/versions/7", http.StatusNotFound, &missing)
	if missing.Code != CodeVersionNotFound {
		t.Errorf("Expected version_not_found, got %s", missing.Code)
	}

	getJSON(t, env.server.URL+"/api/v1/documents/doc/compare?from=1&to=2", http.StatusOK, nil)
	getJSON(t, env.server.URL+"/api/v1/documents/doc/compare?from=1", http.StatusBadRequest, nil)
	getJSON(t, env.server.URL+"/api/v1/documents/doc/annotations?kind=comment", http.StatusOK, nil)
	getJSON(t, env.server.URL+"/api/v1/health", http.StatusOK, nil)
}

func TestAPI_RequiresKeyWhenEnabled(t *testing.T) {
	env := setupTestEnv(t)
	key, err := env.keys.Issue("reader", "carol", []auth.Permission{auth.PermissionReadHistory}, 0)
	if err != nil {
		t.Fatal(err)
	}
	env.keys.SetRequired(true)

	getJSON(t, env.server.URL+"/api/v1/documents", http.StatusUnauthorized, nil)

	req, _ := http.NewRequest("GET", env.server.URL+"/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?api_key=" + key
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("Read-only key must not open the editor bridge")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func TestPresenceTracker(t *testing.T) {
	pt := NewPresenceTracker()
	pt.AddClient("c1", "alice")

	if err := pt.UpdatePresence("missing", PresencePayload{}); err != ErrClientNotFound {
		t.Errorf("Expected ErrClientNotFound, got %v", err)
	}
	pt.UpdatePresence("c1", PresencePayload{DocumentID: "doc", Cursor: 4})

	info, err := pt.GetPresence("c1")
	if err != nil || info.Presence.AuthorID != "alice" || info.Presence.Cursor != 4 {
		t.Fatalf("Unexpected presence %+v, %v", info, err)
	}

	time.Sleep(5 * time.Millisecond)
	pt.MarkIdle(time.Millisecond)
	if info, _ := pt.GetPresence("c1"); info.Presence.Status != StatusIdle {
		t.Errorf("Expected idle, got %s", info.Presence.Status)
	}

	pt.RemoveClient("c1")
	if len(pt.DocumentPresence("doc")) != 0 {
		t.Error("Removed client should leave no presence")
	}
}

func getJSON(t *testing.T, url string, wantStatus int, target interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
}
