// Package messaging relays realtime chat events between server instances
// over NATS. Each instance publishes the frames it originates and delivers
// frames published by its peers, so users connected to different instances
// still see each other's presence changes and receive their messages.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used for cross-instance relay.
const (
	// SubjectBroadcast carries frames destined for every connected user
	// (presence changes, roster updates, admin broadcasts).
	SubjectBroadcast = "dm.broadcast"

	// SubjectUserPrefix + <user_id> carries frames destined for one user's
	// connections (direct messages, typing, read receipts, admin notices).
	SubjectUserPrefix = "dm.user."

	// subjectUserWildcard matches every per-user subject.
	subjectUserWildcard = "dm.user.>"
)

// Envelope wraps a relayed frame with the originating server's name so
// instances can skip frames they published themselves.
type Envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Relay wraps the NATS connection with publish/subscribe helpers for the
// chat subjects.
type Relay struct {
	conn   *nats.Conn
	origin string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chitchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewRelay connects to NATS and returns a relay publishing under the given
// origin name. It returns an error if the initial connection fails.
func NewRelay(config Config, origin string) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Relay{
		conn:   nc,
		origin: origin,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// PublishBroadcast relays a frame to every instance for delivery to all
// connected users.
func (r *Relay) PublishBroadcast(data []byte) error {
	return r.publish(SubjectBroadcast, data)
}

// PublishUser relays a frame to every instance for delivery to one user's
// connections.
func (r *Relay) PublishUser(userID string, data []byte) error {
	return r.publish(SubjectUserPrefix+userID, data)
}

func (r *Relay) publish(subject string, data []byte) error {
	payload, err := json.Marshal(Envelope{Origin: r.origin, Data: data})
	if err != nil {
		return fmt.Errorf("nats: marshal envelope: %w", err)
	}
	if err := r.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeBroadcast registers a handler for broadcast frames published by
// other instances. Frames this instance published are skipped.
func (r *Relay) SubscribeBroadcast(handler func(data []byte)) error {
	return r.subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		if data, ok := r.open(msg); ok {
			handler(data)
		}
	})
}

// SubscribeUsers registers a handler for per-user frames published by other
// instances. The handler receives the target user id and the frame.
func (r *Relay) SubscribeUsers(handler func(userID string, data []byte)) error {
	return r.subscribe(subjectUserWildcard, func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, SubjectUserPrefix)
		if data, ok := r.open(msg); ok {
			handler(userID, data)
		}
	})
}

// open unwraps a relay envelope, dropping frames from this instance and
// frames that fail to parse.
func (r *Relay) open(msg *nats.Msg) ([]byte, bool) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[nats] bad envelope on %s: %v", msg.Subject, err)
		return nil, false
	}
	if env.Origin == r.origin {
		return nil, false
	}
	return env.Data, true
}

func (r *Relay) subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := r.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	r.subs[subject] = sub
	r.mu.Unlock()

	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	r.subs = make(map[string]*nats.Subscription)

	if err := r.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] relay closed")
}
