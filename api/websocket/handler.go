package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"codeberg.org/securechat/server/internal/config"
	"codeberg.org/securechat/server/internal/logger"
	ws "codeberg.org/securechat/server/internal/websocket"
)

// handles WebSocket connections for the chat protocol. The identity claim
// rides in on the query string; everything after the upgrade happens over
// the socket itself.
func WebSocketHandler(cfg *config.Config, gateway *ws.Gateway) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ws.OriginChecker(cfg),
	}

	return func(c *gin.Context) {
		var params ConnectParams
		if err := c.ShouldBindQuery(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters"})
			return
		}

		connectionID, err := ws.GenerateConnectionID()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate connection ID"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.ErrorErr(err, "failed to upgrade connection", "ip", c.ClientIP())
			return
		}

		client := ws.NewClient(connectionID, conn, gateway)
		gateway.Connect(client, params.UserID, params.Secret)

		go client.WritePump()
		go client.ReadPump()

		logger.Info("websocket connection established",
			"connection_id", connectionID,
			"ip", c.ClientIP(),
		)
	}
}
