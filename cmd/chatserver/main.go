// chatserver is the realtime direct-message server. It terminates WebSocket
// connections, tracks presence, routes messages between users, enforces the
// moderation block list, and exposes the admin REST API alongside health and
// metrics endpoints.
package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chitchat/chat-app/internal/admin"
	"github.com/chitchat/chat-app/internal/auth"
	"github.com/chitchat/chat-app/internal/message"
	"github.com/chitchat/chat-app/internal/messaging"
	"github.com/chitchat/chat-app/internal/moderation"
	"github.com/chitchat/chat-app/internal/ratelimit"
	"github.com/chitchat/chat-app/internal/router"
	"github.com/chitchat/chat-app/internal/session"
	"github.com/chitchat/chat-app/internal/ws"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	serverName := getEnv("SERVER_NAME", "chatserver-1")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("main: JWT_SECRET is required")
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = getEnv("LISTEN_ADDR", wsConfig.ListenAddr)
	wsConfig.WorkerPoolSize = getEnvInt("WORKER_POOL_SIZE", wsConfig.WorkerPoolSize)
	wsConfig.MaxConnections = getEnvInt("MAX_CONNECTIONS", wsConfig.MaxConnections)
	wsConfig.ReadTimeout = getEnvDuration("READ_TIMEOUT", wsConfig.ReadTimeout)
	wsConfig.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", wsConfig.WriteTimeout)

	routerConfig := router.DefaultConfig()
	routerConfig.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", routerConfig.IdleTimeout)
	routerConfig.MaxContentChars = getEnvInt("MAX_CONTENT_CHARS", routerConfig.MaxContentChars)
	routerConfig.ReactionScope = getEnv("REACTION_SCOPE", routerConfig.ReactionScope)

	// Redis is required: it carries connection records, the block list, and
	// rate limit counters.
	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	defer sessionStore.Close()
	log.Printf("main: connected to redis at %s", redisAddr)

	blockStore := moderation.NewStore(sessionStore.Client())
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// Postgres is optional; without it messages are delivered but not stored.
	var msgStore *message.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		msgStore, err = message.Open(dsn)
		if err != nil {
			log.Fatalf("main: %v", err)
		}
		defer msgStore.Close()
		if err := msgStore.RunMigrations(); err != nil {
			log.Fatalf("main: %v", err)
		}
		log.Printf("main: message persistence enabled")
	} else {
		log.Printf("main: POSTGRES_DSN not set, message persistence disabled")
	}

	// NATS is optional; without it this instance runs standalone.
	var relay *messaging.Relay
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName
		relay, err = messaging.NewRelay(natsConfig, serverName)
		if err != nil {
			log.Fatalf("main: %v", err)
		}
		defer relay.Close()
	} else {
		log.Printf("main: NATS_URL not set, running standalone")
	}

	state := router.NewState(routerConfig.IdleTimeout)
	rt := router.New(routerConfig, state, blockStore)
	rt.SetLimiter(limiter)
	rt.SetRecentBuffer(message.NewRecentBuffer(getEnvInt("RECENT_BUFFER_SIZE", 20)))
	if msgStore != nil {
		rt.SetMessageStore(msgStore)
	}
	if relay != nil {
		rt.SetRelay(relay)
	}

	verifier := auth.NewVerifier(jwtSecret)
	server := ws.NewServer(wsConfig, verifier, sessionStore, func(c *ws.Connection, data []byte) {
		rt.HandleFrame(c.ID, c.Identity, data)
	})
	server.SetConnectLimiter(limiter)
	server.SetOnDisconnect(rt.HandleDisconnect)
	rt.SetSender(server)

	adminConfig := admin.Config{
		Username: getEnv("ADMIN_USERNAME", "admin"),
		Password: os.Getenv("ADMIN_PASSWORD"),
		Token:    os.Getenv("ADMIN_TOKEN"),
	}
	if adminConfig.Password == "" || adminConfig.Token == "" {
		log.Printf("main: ADMIN_PASSWORD/ADMIN_TOKEN not set, admin API disabled")
	} else {
		var msgs admin.Messages
		if msgStore != nil {
			msgs = msgStore
		}
		server.SetAdminHandler(admin.New(adminConfig, rt, blockStore, msgs))
		log.Printf("main: admin API enabled at /api/admin")
	}

	if err := rt.Start(); err != nil {
		log.Fatalf("main: start router: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("main: received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("main: server error: %v", err)
		}
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("main: shutdown: %v", err)
	}
	rt.Stop()
	log.Printf("main: bye")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("main: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("main: invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
