package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/lobby/internal/broadcast"
	"github.com/whisper/lobby/internal/config"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/room"
	"github.com/whisper/lobby/internal/session"
	"github.com/whisper/lobby/internal/store"
	"github.com/whisper/lobby/internal/ws"
)

// actionTimeout bounds the storage work behind a single client action.
const actionTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Storage ---
	var gw store.Gateway
	switch cfg.Store {
	case config.StoreMemory:
		log.Printf("using in-memory store, history is lost on restart")
		gw = store.NewMemory()
	default:
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		pg, err := store.OpenPostgres(ctx, cfg.Postgres())
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := pg.Migrate(); err != nil {
			log.Fatalf("failed to migrate Postgres: %v", err)
		}
		gw = pg
	}

	// --- Broadcast (+ NATS relay across instances) ---
	broadcaster := broadcast.NewBroadcaster(cfg.MailboxLimit)

	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "lobby-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broadcaster.SetRelay(natsClient, broadcast.Messages)
		if err := natsClient.SubscribeRoom(string(broadcast.Messages), func(data []byte) {
			if err := broadcaster.HandleRelayed(data); err != nil {
				log.Printf("[nats] dropping relayed event: %v", err)
			}
		}); err != nil {
			log.Fatalf("failed to subscribe to room relay: %v", err)
		}
	}

	// --- Redis ---
	var sessionStore *session.Store
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	}

	lobby := room.New(cfg.Room(), gw, broadcaster)
	if sessionStore != nil {
		lobby.SetRecorder(sessionStore)
		// Names are exclusive across every instance sharing this Redis.
		lobby.SetPresenceGuard(sessionStore)
	}

	serverConfig := cfg.Server()
	log.Printf("Lobby WebSocket server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  store:           %s", cfg.Store)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  history_limit:   %d", cfg.HistoryLimit)
	log.Printf("  mailbox_limit:   %d", cfg.MailboxLimit)

	dispatcher := ws.NewMessageDispatcher(nil)

	// withSession runs fn against the coordinator of conn under a fresh
	// action deadline. Frames racing a teardown find no coordinator.
	withSession := func(conn *ws.Connection, action string, fn func(ctx context.Context, c *room.Coordinator) error) {
		c := lobby.Session(conn.ID)
		if c == nil {
			log.Printf("[%s] no coordinator for session=%s", action, conn.ID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := fn(ctx, c); err != nil && !errors.Is(err, room.ErrTerminated) {
			log.Printf("[%s] session=%s: %v", action, conn.ID, err)
		}
	}

	// -----------------------------------------------------------------------
	// claim_identity: join the room under a display name
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeClaimIdentity, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.ClaimIdentityMsg)
		withSession(conn, protocol.TypeClaimIdentity, func(ctx context.Context, c *room.Coordinator) error {
			return c.ClaimIdentity(ctx, m.Name)
		})
	})

	// -----------------------------------------------------------------------
	// send_message: post to the room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.SendMessageMsg)
		withSession(conn, protocol.TypeSendMessage, func(ctx context.Context, c *room.Coordinator) error {
			return c.SendMessage(ctx, m.Body)
		})
	})

	// -----------------------------------------------------------------------
	// leave: release the identity, keep the connection
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeave, func(conn *ws.Connection, msg interface{}) {
		withSession(conn, protocol.TypeLeave, func(ctx context.Context, c *room.Coordinator) error {
			return c.Leave(ctx)
		})
	})

	// -----------------------------------------------------------------------
	// load_more: page back through history
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLoadMore, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.LoadMoreMsg)
		withSession(conn, protocol.TypeLoadMore, func(ctx context.Context, c *room.Coordinator) error {
			return c.LoadMore(ctx, m.BeforeID, m.Limit)
		})
	})

	server, err := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	dispatcher.SetServer(server)
	server.SetHealthCheck(gw.Ping)

	server.SetOnConnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		lobby.Open(ctx, conn.ID, server.Client(conn), conn.LastMsgID)
	})

	// Every teardown path (read error, heartbeat timeout, close frame,
	// eviction, shutdown) ends here and releases the session's presence.
	server.SetOnDisconnect(func(connID string) {
		lobby.Close(connID)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		lobby.Shutdown()
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := gw.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
