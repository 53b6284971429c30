package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chitchat/chat-app/internal/message"
	"github.com/chitchat/chat-app/internal/presence"
)

type fakeRealtime struct {
	mu        sync.Mutex
	roster    []presence.Entry
	online    map[string]bool
	blockedTo []string
	warnedTo  []string
	deleted   []string
	broadcast []string
}

func (f *fakeRealtime) Roster() []presence.Entry { return f.roster }
func (f *fakeRealtime) IsOnline(userID string) bool {
	return f.online[userID]
}
func (f *fakeRealtime) NotifyBlocked(userID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedTo = append(f.blockedTo, userID)
}
func (f *fakeRealtime) NotifyWarning(userID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnedTo = append(f.warnedTo, userID)
}
func (f *fakeRealtime) NotifyMessageDeleted(messageID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
}
func (f *fakeRealtime) BroadcastSystem(text, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, text)
}

type fakeBlocks struct {
	mu      sync.Mutex
	blocked map[string]string
}

func newFakeBlocks() *fakeBlocks {
	return &fakeBlocks{blocked: make(map[string]string)}
}

func (f *fakeBlocks) Block(_ context.Context, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[userID] = reason
	return nil
}
func (f *fakeBlocks) Unblock(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocked, userID)
	return nil
}
func (f *fakeBlocks) IsBlocked(_ context.Context, userID string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.blocked[userID]
	return ok, reason, nil
}
func (f *fakeBlocks) Blocked(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.blocked))
	for k, v := range f.blocked {
		out[k] = v
	}
	return out, nil
}

type fakeMessages struct {
	records map[string]message.Record
}

func (f *fakeMessages) Get(_ context.Context, id string) (message.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return message.Record{}, message.ErrNotFound
	}
	return r, nil
}
func (f *fakeMessages) Delete(_ context.Context, id string) error {
	if _, ok := f.records[id]; !ok {
		return message.ErrNotFound
	}
	delete(f.records, id)
	return nil
}
func (f *fakeMessages) Flag(_ context.Context, id, reason string) error {
	r, ok := f.records[id]
	if !ok {
		return message.ErrNotFound
	}
	r.Flagged = true
	f.records[id] = r
	return nil
}
func (f *fakeMessages) Flagged(_ context.Context, limit int) ([]message.Record, error) {
	var out []message.Record
	for _, r := range f.records {
		if r.Flagged {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeMessages) Recent(_ context.Context, limit int) ([]message.Record, error) {
	var out []message.Record
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeMessages) CountBySender(_ context.Context, senderID string) (int, error) {
	n := 0
	for _, r := range f.records {
		if r.SenderID == senderID {
			n++
		}
	}
	return n, nil
}

var testConfig = Config{Username: "admin", Password: "hunter2", Token: "secret-token"}

func newTestAPI(messages Messages) (*API, *fakeRealtime, *fakeBlocks) {
	realtime := &fakeRealtime{
		roster: []presence.Entry{
			{UserID: "alice", DisplayName: "Alice", Status: presence.StatusOnline, LastSeen: time.Now()},
			{UserID: "bob", DisplayName: "Bob", Status: presence.StatusOffline, LastSeen: time.Now()},
		},
		online: map[string]bool{"alice": true},
	}
	blocks := newFakeBlocks()
	return New(testConfig, realtime, blocks, messages), realtime, blocks
}

func doRequest(t *testing.T, api *API, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("X-Admin-Token", testConfig.Token)
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestLogin(t *testing.T) {
	api, _, _ := newTestAPI(nil)

	rec := doRequest(t, api, http.MethodPost, "/api/admin/login",
		map[string]string{"username": "admin", "password": "hunter2"}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["token"] != testConfig.Token {
		t.Errorf("expected token in login response, got %v", body)
	}

	rec = doRequest(t, api, http.MethodPost, "/api/admin/login",
		map[string]string{"username": "admin", "password": "wrong"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", rec.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	api, _, _ := newTestAPI(nil)

	rec := doRequest(t, api, http.MethodGet, "/api/admin/users", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("X-Admin-Token", "wrong-token")
	rec2 := httptest.NewRecorder()
	api.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec2.Code)
	}
}

func TestBlockUserFlow(t *testing.T) {
	api, realtime, blocks := newTestAPI(nil)

	rec := doRequest(t, api, http.MethodPost, "/api/admin/users/alice/block",
		map[string]string{"reason": "spam"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("block status = %d", rec.Code)
	}

	if reason := blocks.blocked["alice"]; reason != "spam" {
		t.Errorf("block not persisted, got %q", reason)
	}
	if len(realtime.blockedTo) != 1 || realtime.blockedTo[0] != "alice" {
		t.Errorf("block notice not pushed: %v", realtime.blockedTo)
	}

	entries := api.Audit().Entries(10, "block_user")
	if len(entries) != 1 || entries[0].TargetUserID != "alice" {
		t.Errorf("block not audited: %+v", entries)
	}

	// Users listing reflects the block.
	rec = doRequest(t, api, http.MethodGet, "/api/admin/users", nil, true)
	var resp struct {
		Users []userView `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	for _, u := range resp.Users {
		if u.UserID == "alice" && (!u.Blocked || u.BlockReason != "spam") {
			t.Errorf("blocked flag missing on roster entry: %+v", u)
		}
	}

	rec = doRequest(t, api, http.MethodPost, "/api/admin/users/alice/unblock", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	if _, still := blocks.blocked["alice"]; still {
		t.Errorf("unblock did not clear the block")
	}
}

func TestWarnReportsDelivery(t *testing.T) {
	api, realtime, _ := newTestAPI(nil)

	rec := doRequest(t, api, http.MethodPost, "/api/admin/users/alice/warn",
		map[string]string{"reason": "language"}, true)
	body := decodeBody(t, rec)
	if body["delivered"] != true {
		t.Errorf("expected delivered=true for online user, got %v", body)
	}
	if len(realtime.warnedTo) != 1 {
		t.Errorf("warning not pushed")
	}

	rec = doRequest(t, api, http.MethodPost, "/api/admin/users/bob/warn", nil, true)
	body = decodeBody(t, rec)
	if body["delivered"] != false {
		t.Errorf("expected delivered=false for offline user, got %v", body)
	}
}

func TestDeleteMessage(t *testing.T) {
	msgs := &fakeMessages{records: map[string]message.Record{
		"m1": {MessageID: "m1", SenderID: "alice", RecipientID: "bob", Content: "hi"},
	}}
	api, realtime, _ := newTestAPI(msgs)

	rec := doRequest(t, api, http.MethodDelete, "/api/admin/messages/m1",
		map[string]string{"reason": "reported"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if len(realtime.deleted) != 1 || realtime.deleted[0] != "m1" {
		t.Errorf("delete notice not pushed: %v", realtime.deleted)
	}

	rec = doRequest(t, api, http.MethodDelete, "/api/admin/messages/m1", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", rec.Code)
	}
}

func TestMessageEndpointsWithoutStorage(t *testing.T) {
	api, _, _ := newTestAPI(nil)

	rec := doRequest(t, api, http.MethodGet, "/api/admin/messages", nil, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("messages without storage status = %d, want 503", rec.Code)
	}
}

func TestBroadcast(t *testing.T) {
	api, realtime, _ := newTestAPI(nil)

	rec := doRequest(t, api, http.MethodPost, "/api/admin/broadcast",
		map[string]string{"message": "maintenance at noon", "kind": "warning"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("broadcast status = %d", rec.Code)
	}
	if len(realtime.broadcast) != 1 {
		t.Errorf("broadcast not pushed")
	}

	rec = doRequest(t, api, http.MethodPost, "/api/admin/broadcast", map[string]string{}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty broadcast status = %d, want 400", rec.Code)
	}
}

func TestDashboard(t *testing.T) {
	api, _, blocks := newTestAPI(nil)
	blocks.blocked["mallory"] = "abuse"

	rec := doRequest(t, api, http.MethodGet, "/api/admin/dashboard", nil, true)
	body := decodeBody(t, rec)
	if body["totalUsers"] != float64(2) || body["onlineUsers"] != float64(1) {
		t.Errorf("unexpected dashboard counts: %v", body)
	}
	if body["blockedUsers"] != float64(1) {
		t.Errorf("expected 1 blocked user, got %v", body["blockedUsers"])
	}
}

func TestAuditLogFilter(t *testing.T) {
	log := NewAuditLog(3)
	log.Append(AuditEntry{Action: "block_user", TargetUserID: "a"})
	log.Append(AuditEntry{Action: "warn_user", TargetUserID: "b"})
	log.Append(AuditEntry{Action: "block_user", TargetUserID: "c"})
	log.Append(AuditEntry{Action: "broadcast"})

	// Oldest entry evicted by the size cap.
	all := log.Entries(0, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(all))
	}
	if all[0].Action != "broadcast" {
		t.Errorf("expected newest first, got %+v", all[0])
	}

	blocksOnly := log.Entries(0, "block_user")
	if len(blocksOnly) != 1 || blocksOnly[0].TargetUserID != "c" {
		t.Errorf("unexpected filtered entries: %+v", blocksOnly)
	}
}
