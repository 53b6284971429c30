package router

import (
	"context"
	"log"
	"time"

	"github.com/chitchat/chat-app/internal/auth"
	"github.com/chitchat/chat-app/internal/message"
	"github.com/chitchat/chat-app/internal/metrics"
	"github.com/chitchat/chat-app/internal/presence"
	"github.com/chitchat/chat-app/internal/protocol"
	"github.com/chitchat/chat-app/internal/ratelimit"
)

const backendTimeout = 3 * time.Second

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (r *Router) handleFrame(connID string, identity auth.Identity, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("router: bad frame conn=%s: %v", connID, err)
		r.sendError(connID, "bad_message", "could not parse message")
		return
	}

	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	switch m := msg.(type) {
	case protocol.ConnectMsg:
		r.handleConnect(connID, identity, m)
	case protocol.StatusMsg:
		r.handleStatus(identity, m)
	case protocol.SendMessageMsg:
		r.handleSend(connID, identity, m)
	case protocol.ReadMsg:
		r.handleRead(identity, m)
	case protocol.TypingStartMsg:
		r.handleTyping(identity, m.RecipientID, protocol.TypingActiveMsg{
			UserID:   identity.UserID,
			Username: identity.DisplayName,
		}, protocol.TypeTypingActive)
	case protocol.TypingStopMsg:
		r.handleTyping(identity, m.RecipientID, protocol.ServerTypingStopMsg{
			UserID: identity.UserID,
		}, protocol.TypeTypingStop)
	case protocol.ReactionMsg:
		r.handleReaction(identity, m)
	case protocol.HeartbeatMsg:
		r.handleHeartbeat(identity)
	case protocol.PingMsg:
		r.send(connID, protocol.TypePong, protocol.PongMsg{})
	}
}

// handleConnect runs the moderation gate, registers the connection, and
// announces the user if this is their first open connection.
func (r *Router) handleConnect(connID string, identity auth.Identity, m protocol.ConnectMsg) {
	if m.UserID != "" && m.UserID != identity.UserID {
		r.sendError(connID, "identity_mismatch", "userId does not match connection identity")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	blocked, reason, err := r.gate.IsBlocked(ctx, identity.UserID)
	if err != nil {
		// Fail open: a moderation backend outage must not lock everyone out.
		log.Printf("router: gate check user=%s: %v (failing open)", identity.UserID, err)
	}
	if blocked {
		r.send(connID, protocol.TypeUserBlocked, protocol.UserBlockedMsg{
			Blocked: true,
			Reason:  reason,
			Message: "You have been blocked from the chat",
		})
		// The transport's removal path re-enters HandleDisconnect. Close on
		// a separate goroutine so that enqueue never waits on the queue this
		// goroutine drains.
		go r.sender.Close(connID)
		return
	}

	displayName := identity.DisplayName
	if m.Username != "" {
		displayName = m.Username
	}

	r.state.Registry.Register(identity.UserID, connID)
	wentOnline := r.state.Presence.MarkOnline(identity.UserID, displayName)
	metrics.OnlineUsers.Set(float64(r.state.Registry.OnlineCount()))

	if wentOnline {
		frame := r.encode(protocol.TypeUserOnline, protocol.UserOnlineMsg{
			UserID:    identity.UserID,
			Username:  displayName,
			Timestamp: nowMillis(),
		})
		if frame != nil {
			r.sender.BroadcastExcept(connID, frame)
			r.relayBroadcast(frame)
		}
	}

	// The new connection gets the roster directly; everyone else gets the
	// refreshed list.
	r.send(connID, protocol.TypeUserList, r.rosterMsg())
	r.broadcastRoster()
}

func (r *Router) handleStatus(identity auth.Identity, m protocol.StatusMsg) {
	if !presence.ValidStatus(m.Status) {
		return
	}
	// A stale frame can arrive after the last connection dropped; only users
	// with an open connection may change their status.
	if !r.state.Registry.IsOnline(identity.UserID) {
		return
	}
	if !r.state.Presence.SetStatus(identity.UserID, m.Status) {
		return
	}
	frame := r.encode(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID:   identity.UserID,
		Status:   m.Status,
		Username: r.state.Presence.DisplayName(identity.UserID),
	})
	if frame != nil {
		r.sender.Broadcast(frame)
		r.relayBroadcast(frame)
	}
}

// handleSend validates, persists, and fans a direct message out to every one
// of the recipient's connections, then acks the originating connection.
func (r *Router) handleSend(connID string, identity auth.Identity, m protocol.SendMessageMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	blocked, reason, err := r.gate.IsBlocked(ctx, identity.UserID)
	if err != nil {
		log.Printf("router: gate check user=%s: %v (failing open)", identity.UserID, err)
	}
	if blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		r.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Error:  "blocked",
			Reason: reason,
		})
		return
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, identity.UserID, ratelimit.RuleMessage)
		if err == nil && !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			r.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{
				Error: "rate_limited",
			})
			return
		}
	}

	if m.RecipientID == "" {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		r.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Error: "missing recipient",
		})
		return
	}
	if err := message.Validate(m.Content, r.config.MaxContentChars); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		r.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Error: err.Error(),
		})
		return
	}

	content := message.Sanitize(m.Content, r.config.MaxContentChars)
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = nowMillis()
	}
	kind := m.Kind
	if kind == "" {
		kind = "text"
	}

	receive := protocol.MessageReceiveMsg{
		MessageID:      m.MessageID,
		SenderID:       identity.UserID,
		SenderUsername: identity.DisplayName,
		RecipientID:    m.RecipientID,
		Content:        content,
		CreatedAt:      createdAt,
		Kind:           kind,
	}

	if r.store != nil {
		err := r.store.Save(ctx, message.Record{
			MessageID:   m.MessageID,
			SenderID:    identity.UserID,
			RecipientID: m.RecipientID,
			Content:     content,
			Kind:        kind,
			SentAt:      time.UnixMilli(createdAt),
		})
		if err != nil {
			// Delivery proceeds even when persistence fails.
			log.Printf("router: store message id=%s: %v", m.MessageID, err)
		} else {
			metrics.MessagesTotal.WithLabelValues("stored").Inc()
		}
	}
	if r.recent != nil {
		r.recent.Add(message.Preview{
			MessageID:   m.MessageID,
			SenderID:    identity.UserID,
			RecipientID: m.RecipientID,
			Content:     content,
			SentAt:      time.UnixMilli(createdAt),
		})
	}

	frame := r.encode(protocol.TypeMessageReceive, receive)
	if frame != nil {
		conns := r.state.Registry.ConnectionsFor(m.RecipientID)
		for _, c := range conns {
			if err := r.sender.Send(c, frame); err != nil {
				log.Printf("router: deliver msg=%s conn=%s: %v", m.MessageID, c, err)
			}
		}
		metrics.FanoutConnections.Observe(float64(len(conns)))
		r.relayUser(m.RecipientID, frame)
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	r.send(connID, protocol.TypeMessageSent, protocol.MessageSentMsg{
		MessageID: m.MessageID,
		Status:    "delivered",
	})
}

// handleRead stamps the read time and relays the receipt to the original
// sender's connections.
func (r *Router) handleRead(identity auth.Identity, m protocol.ReadMsg) {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		if err := r.store.MarkRead(ctx, m.MessageID, time.Now()); err != nil {
			log.Printf("router: mark read id=%s: %v", m.MessageID, err)
		}
	}

	frame := r.encode(protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID: m.MessageID,
		ReadAt:    nowMillis(),
	})
	if frame == nil || m.SenderID == "" {
		return
	}
	for _, c := range r.state.Registry.ConnectionsFor(m.SenderID) {
		if err := r.sender.Send(c, frame); err != nil {
			log.Printf("router: read receipt conn=%s: %v", c, err)
		}
	}
	r.relayUser(m.SenderID, frame)
}

// handleTyping relays a typing indicator to the recipient only. Over-limit
// indicators are dropped without an error frame.
func (r *Router) handleTyping(identity auth.Identity, recipientID string, payload interface{}, msgType string) {
	if recipientID == "" {
		return
	}
	if r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		allowed, err := r.limiter.Allow(ctx, identity.UserID, ratelimit.RuleTyping)
		if err == nil && !allowed {
			return
		}
	}

	frame := r.encode(msgType, payload)
	if frame == nil {
		return
	}
	for _, c := range r.state.Registry.ConnectionsFor(recipientID) {
		if err := r.sender.Send(c, frame); err != nil {
			log.Printf("router: typing conn=%s: %v", c, err)
		}
	}
	r.relayUser(recipientID, frame)
}

func (r *Router) handleReaction(identity auth.Identity, m protocol.ReactionMsg) {
	frame := r.encode(protocol.TypeReaction, protocol.ServerReactionMsg{
		MessageID: m.MessageID,
		Emoji:     m.Emoji,
		UserID:    identity.UserID,
	})
	if frame == nil {
		return
	}

	if r.config.ReactionScope == ReactionScopeParticipants {
		// Reacting to your own message must not deliver the frame twice.
		participants := []string{identity.UserID}
		if m.SenderID != "" && m.SenderID != identity.UserID {
			participants = append(participants, m.SenderID)
		}
		for _, userID := range participants {
			for _, c := range r.state.Registry.ConnectionsFor(userID) {
				if err := r.sender.Send(c, frame); err != nil {
					log.Printf("router: reaction conn=%s: %v", c, err)
				}
			}
			r.relayUser(userID, frame)
		}
		return
	}

	r.sender.Broadcast(frame)
	r.relayBroadcast(frame)
}

// handleHeartbeat refreshes presence only for users the registry still knows.
// A heartbeat racing a disconnect must not resurrect the record.
func (r *Router) handleHeartbeat(identity auth.Identity) {
	if !r.state.Registry.IsOnline(identity.UserID) {
		return
	}
	r.state.Presence.Touch(identity.UserID)
}

func (r *Router) handleDisconnect(connID string) {
	userID, wentOffline, ok := r.state.Registry.Unregister(connID)
	if !ok {
		return
	}
	metrics.OnlineUsers.Set(float64(r.state.Registry.OnlineCount()))

	if wentOffline {
		displayName := r.state.Presence.DisplayName(userID)
		r.state.Presence.MarkOffline(userID)

		frame := r.encode(protocol.TypeUserOffline, protocol.UserOfflineMsg{
			UserID:   userID,
			Username: displayName,
		})
		if frame != nil {
			r.sender.Broadcast(frame)
			r.relayBroadcast(frame)
		}
	}

	r.broadcastRoster()
}

// handleIdle moves a silent user to away. No announcement goes out; clients
// pick the change up from the next roster refresh.
func (r *Router) handleIdle(userID string) {
	r.state.Presence.MarkIdle(userID)
}

// ---------------------------------------------------------------------------
// Administrative notifications, called from the admin API.
// ---------------------------------------------------------------------------

// NotifyBlocked tells a blocked user's open connections about the block.
// Connections are left open; subsequent sends are rejected by the gate.
func (r *Router) NotifyBlocked(userID, reason string) {
	frame := r.encode(protocol.TypeAdminUserBlocked, protocol.AdminUserBlockedMsg{
		UserID:  userID,
		Reason:  reason,
		Message: "You have been blocked by an administrator",
	})
	r.sendToUser(userID, frame)
}

// NotifyWarning delivers an administrative warning to a user's connections.
func (r *Router) NotifyWarning(userID, reason string) {
	frame := r.encode(protocol.TypeAdminUserWarning, protocol.AdminUserWarningMsg{
		UserID:  userID,
		Reason:  reason,
		Message: "You have received a warning from an administrator",
	})
	r.sendToUser(userID, frame)
}

// NotifyMessageDeleted tells every client to drop a moderated message.
func (r *Router) NotifyMessageDeleted(messageID, reason string) {
	frame := r.encode(protocol.TypeAdminMessageDeleted, protocol.AdminMessageDeletedMsg{
		MessageID: messageID,
		Reason:    reason,
	})
	if frame == nil {
		return
	}
	r.sender.Broadcast(frame)
	r.relayBroadcast(frame)
}

// BroadcastSystem announces a system-wide message to every client.
func (r *Router) BroadcastSystem(text, kind string) {
	if kind == "" {
		kind = "info"
	}
	frame := r.encode(protocol.TypeAdminBroadcast, protocol.AdminBroadcastMsg{
		Message:   text,
		Kind:      kind,
		Timestamp: nowMillis(),
	})
	if frame == nil {
		return
	}
	r.sender.Broadcast(frame)
	r.relayBroadcast(frame)
}

// Roster returns the current presence snapshot.
func (r *Router) Roster() []presence.Entry {
	return r.state.Presence.Snapshot()
}

// IsOnline reports whether a user has at least one open connection here.
func (r *Router) IsOnline(userID string) bool {
	return r.state.Registry.IsOnline(userID)
}

// ---------------------------------------------------------------------------
// Frame helpers
// ---------------------------------------------------------------------------

func (r *Router) rosterMsg() protocol.UserListMsg {
	snapshot := r.state.Presence.Snapshot()
	users := make([]protocol.UserEntry, 0, len(snapshot))
	for _, e := range snapshot {
		users = append(users, protocol.UserEntry{
			UserID:   e.UserID,
			Username: e.DisplayName,
			Status:   e.Status,
			LastSeen: e.LastSeen.UnixMilli(),
		})
	}
	return protocol.UserListMsg{Users: users}
}

func (r *Router) broadcastRoster() {
	frame := r.encode(protocol.TypeUserList, r.rosterMsg())
	if frame == nil {
		return
	}
	r.sender.Broadcast(frame)
	r.relayBroadcast(frame)
}

func (r *Router) encode(msgType string, payload interface{}) []byte {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("router: encode %s: %v", msgType, err)
		return nil
	}
	return frame
}

func (r *Router) send(connID, msgType string, payload interface{}) {
	frame := r.encode(msgType, payload)
	if frame == nil {
		return
	}
	if err := r.sender.Send(connID, frame); err != nil {
		log.Printf("router: send %s to conn=%s: %v", msgType, connID, err)
	}
}

func (r *Router) sendToUser(userID string, frame []byte) {
	if frame == nil {
		return
	}
	for _, c := range r.state.Registry.ConnectionsFor(userID) {
		if err := r.sender.Send(c, frame); err != nil {
			log.Printf("router: send to conn=%s: %v", c, err)
		}
	}
	r.relayUser(userID, frame)
}

func (r *Router) sendError(connID, code, msg string) {
	r.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: msg})
}

func (r *Router) relayBroadcast(frame []byte) {
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishBroadcast(frame); err != nil {
		log.Printf("router: relay broadcast: %v", err)
		return
	}
	metrics.RelayPublishesTotal.WithLabelValues("broadcast").Inc()
}

func (r *Router) relayUser(userID string, frame []byte) {
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishUser(userID, frame); err != nil {
		log.Printf("router: relay user=%s: %v", userID, err)
		return
	}
	metrics.RelayPublishesTotal.WithLabelValues("user").Inc()
}
