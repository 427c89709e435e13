package websocket

import (
	"github.com/gin-gonic/gin"

	"codeberg.org/securechat/server/internal/config"
	ws "codeberg.org/securechat/server/internal/websocket"
)

func RegisterRoutes(router *gin.RouterGroup, cfg *config.Config, gateway *ws.Gateway) {
	router.GET("/ws", WebSocketHandler(cfg, gateway))
}
