package main

import (
	"github.com/gin-gonic/gin"

	"codeberg.org/securechat/server/internal/config"
	"codeberg.org/securechat/server/internal/store"
	ws "codeberg.org/securechat/server/internal/websocket"
)

// Server holds the wired application components.
type Server struct {
	config  *config.Config
	durable store.MessageStore
	gateway *ws.Gateway
	router  *gin.Engine
}
