package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"codeberg.org/securechat/server/internal/clock"
	"codeberg.org/securechat/server/internal/config"
	"codeberg.org/securechat/server/internal/logger"
	"codeberg.org/securechat/server/internal/store"
	ws "codeberg.org/securechat/server/internal/websocket"
	"codeberg.org/securechat/server/securechat/consent"
	"codeberg.org/securechat/server/securechat/identity"
	"codeberg.org/securechat/server/securechat/messages"
	"codeberg.org/securechat/server/securechat/rooms"
)

// creates and configures a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	ctx := context.Background()

	// optional durable message store; the server is fully functional
	// without one, messages are just not recoverable across restarts
	durable, err := selectDurableStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize durable store: %w", err)
	}

	clk := clock.Real()
	sched := clock.RealScheduler()

	identities := identity.NewRegistry(clk)
	roomRegistry := rooms.NewRegistry(clk, sched, cfg.SessionLinkBase, cfg.SocketURL)
	messageStore := messages.NewStore(clk)
	broker := consent.NewBroker(clk, sched)

	gateway := ws.NewGateway(identities, roomRegistry, messageStore, broker, durable)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	server := &Server{
		config:  cfg,
		durable: durable,
		gateway: gateway,
		router:  router,
	}

	RegisterRoutes(router, server)

	return server, nil
}

func selectDurableStore(ctx context.Context, cfg *config.Config) (store.MessageStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("durable message store enabled", "backend", "postgres")
		return pg, nil

	case cfg.RedisURL != "":
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("durable message store enabled", "backend", "redis")
		return rs, nil

	default:
		logger.Info("no durable message store configured, running in-memory only")
		return store.Disabled{}, nil
	}
}
