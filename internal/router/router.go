// Package router dispatches realtime chat events. All client frames,
// disconnect notices, and idle-timer expirations are funneled into a single
// queue drained by one goroutine, so registry and presence updates for a
// given event are applied in arrival order without handler-level locking.
package router

import (
	"context"
	"log"
	"time"

	"github.com/chitchat/chat-app/internal/auth"
	"github.com/chitchat/chat-app/internal/message"
	"github.com/chitchat/chat-app/internal/presence"
	"github.com/chitchat/chat-app/internal/ratelimit"
	"github.com/chitchat/chat-app/internal/registry"
)

// Reaction fan-out scopes.
const (
	// ReactionScopeBroadcast delivers emoji reactions to every connected user.
	ReactionScopeBroadcast = "broadcast"

	// ReactionScopeParticipants delivers emoji reactions only to the two
	// users in the conversation.
	ReactionScopeParticipants = "participants"
)

// Sender delivers frames to websocket connections. Implemented by the ws
// server.
type Sender interface {
	Send(connID string, data []byte) error
	Broadcast(data []byte)
	BroadcastExcept(exceptConnID string, data []byte)
	Close(connID string)
}

// Gate answers whether a user is blocked from the chat.
type Gate interface {
	IsBlocked(ctx context.Context, userID string) (bool, string, error)
}

// Limiter throttles per-user event rates.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// MessageStore persists delivered messages and read receipts.
type MessageStore interface {
	Save(ctx context.Context, r message.Record) error
	MarkRead(ctx context.Context, messageID string, at time.Time) error
}

// Relay forwards frames to peer server instances and delivers frames they
// publish.
type Relay interface {
	PublishBroadcast(data []byte) error
	PublishUser(userID string, data []byte) error
	SubscribeBroadcast(handler func(data []byte)) error
	SubscribeUsers(handler func(userID string, data []byte)) error
}

// State bundles the connection registry and presence tracker the router
// operates on.
type State struct {
	Registry *registry.Registry
	Presence *presence.Tracker
}

// NewState returns fresh routing state with the given idle timeout.
func NewState(idleTimeout time.Duration) *State {
	return &State{
		Registry: registry.New(),
		Presence: presence.New(idleTimeout),
	}
}

// Config holds router tuning knobs.
type Config struct {
	IdleTimeout     time.Duration // no heartbeat for this long marks a user away
	MaxContentChars int           // message content cap
	ReactionScope   string        // ReactionScopeBroadcast or ReactionScopeParticipants
	EventBuffer     int           // queued events before enqueue blocks
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Minute,
		MaxContentChars: message.DefaultMaxChars,
		ReactionScope:   ReactionScopeBroadcast,
		EventBuffer:     1024,
	}
}

type eventKind int

const (
	evFrame eventKind = iota
	evDisconnect
	evIdle
)

type event struct {
	kind     eventKind
	connID   string
	identity auth.Identity
	data     []byte
	userID   string // evIdle only
}

// Router owns the dispatch loop.
type Router struct {
	config Config
	state  *State
	gate   Gate

	sender  Sender
	store   MessageStore
	limiter Limiter
	relay   Relay
	recent  *message.RecentBuffer

	events chan event
	stop   chan struct{}
	done   chan struct{}
}

// New creates a router over the given state and moderation gate. The sender
// and optional collaborators are attached with the Set* methods before Start.
func New(config Config, state *State, gate Gate) *Router {
	if config.EventBuffer <= 0 {
		config.EventBuffer = 1024
	}
	if config.MaxContentChars <= 0 {
		config.MaxContentChars = message.DefaultMaxChars
	}
	if config.ReactionScope == "" {
		config.ReactionScope = ReactionScopeBroadcast
	}

	r := &Router{
		config: config,
		state:  state,
		gate:   gate,
		events: make(chan event, config.EventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	// Idle timers fire on their own goroutines; they only enqueue.
	state.Presence.OnIdle(func(userID string) {
		r.enqueue(event{kind: evIdle, userID: userID})
	})

	return r
}

// SetSender attaches the frame sender. Required before Start.
func (r *Router) SetSender(s Sender) { r.sender = s }

// SetMessageStore attaches optional message persistence.
func (r *Router) SetMessageStore(s MessageStore) { r.store = s }

// SetLimiter attaches optional per-user rate limiting.
func (r *Router) SetLimiter(l Limiter) { r.limiter = l }

// SetRelay attaches the optional cross-instance relay.
func (r *Router) SetRelay(rel Relay) { r.relay = rel }

// SetRecentBuffer attaches the optional in-memory recent-message buffer.
func (r *Router) SetRecentBuffer(rb *message.RecentBuffer) { r.recent = rb }

// Start launches the dispatch loop and, when a relay is attached, wires the
// inbound relay subscriptions.
func (r *Router) Start() error {
	if r.sender == nil {
		log.Printf("router: starting without a sender, outbound frames will be dropped")
	}

	go r.run()

	if r.relay != nil {
		if err := r.relay.SubscribeBroadcast(func(data []byte) {
			r.sender.Broadcast(data)
		}); err != nil {
			return err
		}
		if err := r.relay.SubscribeUsers(func(userID string, data []byte) {
			for _, connID := range r.state.Registry.ConnectionsFor(userID) {
				if err := r.sender.Send(connID, data); err != nil {
					log.Printf("router: relay delivery to conn=%s: %v", connID, err)
				}
			}
		}); err != nil {
			return err
		}
	}

	return nil
}

// Stop shuts down the dispatch loop and cancels pending idle timers.
func (r *Router) Stop() {
	close(r.stop)
	<-r.done
	r.state.Presence.Stop()
}

// HandleFrame enqueues a raw client frame for dispatch. Called from
// transport read workers.
func (r *Router) HandleFrame(connID string, identity auth.Identity, data []byte) {
	r.enqueue(event{kind: evFrame, connID: connID, identity: identity, data: data})
}

// HandleDisconnect enqueues a connection-closed notice.
func (r *Router) HandleDisconnect(connID string) {
	r.enqueue(event{kind: evDisconnect, connID: connID})
}

// enqueue blocks when the queue is full, so nothing running on the dispatch
// goroutine may call it, directly or through a transport callback.
func (r *Router) enqueue(ev event) {
	select {
	case r.events <- ev:
	case <-r.stop:
	}
}

func (r *Router) run() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			switch ev.kind {
			case evFrame:
				r.handleFrame(ev.connID, ev.identity, ev.data)
			case evDisconnect:
				r.handleDisconnect(ev.connID)
			case evIdle:
				r.handleIdle(ev.userID)
			}
		case <-r.stop:
			return
		}
	}
}
