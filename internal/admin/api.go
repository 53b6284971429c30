package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chitchat/chat-app/internal/message"
	"github.com/chitchat/chat-app/internal/presence"
)

const requestTimeout = 5 * time.Second

// Config holds the admin credentials and the bearer token issued on login.
type Config struct {
	Username string
	Password string
	Token    string
}

// Realtime is the slice of the chat server the admin API drives: presence
// lookups and pushing moderation notices to connected clients.
type Realtime interface {
	Roster() []presence.Entry
	IsOnline(userID string) bool
	NotifyBlocked(userID, reason string)
	NotifyWarning(userID, reason string)
	NotifyMessageDeleted(messageID, reason string)
	BroadcastSystem(text, kind string)
}

// BlockStore manages the persistent block list.
type BlockStore interface {
	Block(ctx context.Context, userID, reason string) error
	Unblock(ctx context.Context, userID string) error
	IsBlocked(ctx context.Context, userID string) (bool, string, error)
	Blocked(ctx context.Context) (map[string]string, error)
}

// Messages is the persisted message surface the admin API inspects. Nil when
// the server runs without Postgres.
type Messages interface {
	Get(ctx context.Context, messageID string) (message.Record, error)
	Delete(ctx context.Context, messageID string) error
	Flag(ctx context.Context, messageID, reason string) error
	Flagged(ctx context.Context, limit int) ([]message.Record, error)
	Recent(ctx context.Context, limit int) ([]message.Record, error)
	CountBySender(ctx context.Context, senderID string) (int, error)
}

// API is the moderator REST surface, mounted under /api/admin.
type API struct {
	config   Config
	realtime Realtime
	blocks   BlockStore
	messages Messages // may be nil
	audit    *AuditLog
	router   *mux.Router
}

// New builds the admin API. messages may be nil when message persistence is
// disabled; the message endpoints then return 503.
func New(config Config, realtime Realtime, blocks BlockStore, messages Messages) *API {
	a := &API{
		config:   config,
		realtime: realtime,
		blocks:   blocks,
		messages: messages,
		audit:    NewAuditLog(1000),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/admin").Subrouter()
	api.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)

	sec := api.NewRoute().Subrouter()
	sec.Use(a.requireToken)
	sec.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	sec.HandleFunc("/users/{userId}", a.handleGetUser).Methods(http.MethodGet)
	sec.HandleFunc("/users/{userId}/block", a.handleBlockUser).Methods(http.MethodPost)
	sec.HandleFunc("/users/{userId}/unblock", a.handleUnblockUser).Methods(http.MethodPost)
	sec.HandleFunc("/users/{userId}/warn", a.handleWarnUser).Methods(http.MethodPost)
	sec.HandleFunc("/messages", a.handleListMessages).Methods(http.MethodGet)
	sec.HandleFunc("/messages/{messageId}", a.handleDeleteMessage).Methods(http.MethodDelete)
	sec.HandleFunc("/messages/{messageId}/flag", a.handleFlagMessage).Methods(http.MethodPost)
	sec.HandleFunc("/flagged-messages", a.handleFlaggedMessages).Methods(http.MethodGet)
	sec.HandleFunc("/dashboard", a.handleDashboard).Methods(http.MethodGet)
	sec.HandleFunc("/audit-log", a.handleAuditLog).Methods(http.MethodGet)
	sec.HandleFunc("/broadcast", a.handleBroadcast).Methods(http.MethodPost)

	a.router = r
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Audit returns the audit trail for inspection by tests and tooling.
func (a *API) Audit() *AuditLog {
	return a.audit
}

// requireToken rejects requests without the admin bearer token.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.config.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request body"})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(body.Username), []byte(a.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(body.Password), []byte(a.config.Password)) == 1
	if !userOK || !passOK {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "token": a.config.Token})
}

// userView is the roster entry enriched with block state.
type userView struct {
	UserID      string `json:"id"`
	Username    string `json:"username"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"lastSeen"`
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"blockReason,omitempty"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	blocked, err := a.blocks.Blocked(ctx)
	if err != nil {
		log.Printf("admin: list blocked users: %v", err)
		blocked = map[string]string{}
	}

	users := make([]userView, 0)
	for _, e := range a.realtime.Roster() {
		reason, isBlocked := blocked[e.UserID]
		users = append(users, userView{
			UserID:      e.UserID,
			Username:    e.DisplayName,
			Status:      e.Status,
			LastSeen:    e.LastSeen.UnixMilli(),
			Blocked:     isBlocked,
			BlockReason: reason,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "users": users})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	view := userView{UserID: userID, Status: presence.StatusOffline}
	for _, e := range a.realtime.Roster() {
		if e.UserID == userID {
			view.Username = e.DisplayName
			view.Status = e.Status
			view.LastSeen = e.LastSeen.UnixMilli()
		}
	}

	isBlocked, reason, err := a.blocks.IsBlocked(ctx, userID)
	if err != nil {
		log.Printf("admin: block lookup user=%s: %v", userID, err)
	}
	view.Blocked = isBlocked
	view.BlockReason = reason

	resp := map[string]interface{}{"success": true, "user": view}
	if a.messages != nil {
		if n, err := a.messages.CountBySender(ctx, userID); err == nil {
			resp["messageCount"] = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.blocks.Block(ctx, userID, body.Reason); err != nil {
		log.Printf("admin: block user=%s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "could not block user"})
		return
	}

	a.realtime.NotifyBlocked(userID, body.Reason)
	a.audit.Append(AuditEntry{Action: "block_user", TargetUserID: userID, Reason: body.Reason})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *API) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.blocks.Unblock(ctx, userID); err != nil {
		log.Printf("admin: unblock user=%s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "could not unblock user"})
		return
	}

	a.audit.Append(AuditEntry{Action: "unblock_user", TargetUserID: userID})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *API) handleWarnUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	a.realtime.NotifyWarning(userID, body.Reason)
	a.audit.Append(AuditEntry{Action: "warn_user", TargetUserID: userID, Reason: body.Reason})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "delivered": a.realtime.IsOnline(userID)})
}

// messageView is the JSON shape for persisted messages.
type messageView struct {
	MessageID   string `json:"messageId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Kind        string `json:"kind"`
	SentAt      int64  `json:"sentAt"`
	Read        bool   `json:"read"`
	Flagged     bool   `json:"flagged"`
	FlagReason  string `json:"flagReason,omitempty"`
}

func toMessageViews(records []message.Record) []messageView {
	out := make([]messageView, 0, len(records))
	for _, rec := range records {
		out = append(out, messageView{
			MessageID:   rec.MessageID,
			SenderID:    rec.SenderID,
			RecipientID: rec.RecipientID,
			Content:     rec.Content,
			Kind:        rec.Kind,
			SentAt:      rec.SentAt.UnixMilli(),
			Read:        rec.ReadAt.Valid,
			Flagged:     rec.Flagged,
			FlagReason:  rec.FlagReason.String,
		})
	}
	return out
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if a.messages == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": "message storage disabled"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	records, err := a.messages.Recent(ctx, limit)
	if err != nil {
		log.Printf("admin: list messages: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "could not list messages"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "messages": toMessageViews(records)})
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if a.messages == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": "message storage disabled"})
		return
	}

	messageID := mux.Vars(r)["messageId"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.messages.Delete(ctx, messageID); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "message not found"})
			return
		}
		log.Printf("admin: delete message=%s: %v", messageID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "could not delete message"})
		return
	}

	a.realtime.NotifyMessageDeleted(messageID, body.Reason)
	a.audit.Append(AuditEntry{Action: "delete_message", MessageID: messageID, Reason: body.Reason})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *API) handleFlagMessage(w http.ResponseWriter, r *http.Request) {
	if a.messages == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": "message storage disabled"})
		return
	}

	messageID := mux.Vars(r)["messageId"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.messages.Flag(ctx, messageID, body.Reason); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "message not found"})
			return
		}
		log.Printf("admin: flag message=%s: %v", messageID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "could not flag message"})
		return
	}

	a.audit.Append(AuditEntry{Action: "flag_message", MessageID: messageID, Reason: body.Reason})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *API) handleFlaggedMessages(w http.ResponseWriter, r *http.Request) {
	if a.messages == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": "message storage disabled"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	records, err := a.messages.Flagged(ctx, limit)
	if err != nil {
		log.Printf("admin: list flagged: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "could not list flagged messages"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "messages": toMessageViews(records)})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	roster := a.realtime.Roster()
	online, away := 0, 0
	for _, e := range roster {
		switch e.Status {
		case presence.StatusOnline:
			online++
		case presence.StatusAway:
			away++
		}
	}

	blockedCount := 0
	if blocked, err := a.blocks.Blocked(ctx); err == nil {
		blockedCount = len(blocked)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"totalUsers":   len(roster),
		"onlineUsers":  online,
		"awayUsers":    away,
		"blockedUsers": blockedCount,
	})
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	action := r.URL.Query().Get("action")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"entries": a.audit.Entries(limit, action),
	})
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "message is required"})
		return
	}

	a.realtime.BroadcastSystem(body.Message, body.Kind)
	a.audit.Append(AuditEntry{Action: "broadcast", Details: body.Message})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: encode response: %v", err)
	}
}
