package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"codeberg.org/securechat/server/internal/errors"
	"codeberg.org/securechat/server/internal/logger"
)

// Client is one live websocket connection. It only moves frames; all chat
// state lives in the Gateway's ConnectionContext, keyed by the client id.
type Client struct {
	ID string

	conn    *websocket.Conn
	gateway *Gateway
	send    chan []byte
	limiter *rate.Limiter

	closeMu sync.Mutex
	closed  bool
}

func NewClient(id string, conn *websocket.Conn, gateway *Gateway) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		gateway: gateway,
		send:    make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(rate.Limit(intentsPerMinute)/60, intentBurst),
	}
}

// reads frames from the connection and hands intents to the gateway
func (c *Client) ReadPump() {
	defer func() {
		c.gateway.Disconnect(c)
		c.conn.Close() //nolint:errcheck,gosec // defer cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck,gosec // websocket setup
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck,gosec // pong handler
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket error", "connection_id", c.ID, "error", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			logger.ErrorErr(err, "failed to unmarshal intent", "connection_id", c.ID)
			c.SendError(errors.CodeInvalidPayload, "invalid message format")
			continue
		}

		c.gateway.Dispatch(c, &env)
	}
}

// writes queued events to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck,gosec // defer cleanup
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck,gosec // websocket timing

			if !ok {
				// gateway closed the connection; queued frames were
				// already drained from the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck,gosec // close message
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck,gosec // websocket timing

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues an event for delivery. A slow consumer whose queue is full
// loses the frame rather than blocking the sender.
func (c *Client) Send(eventType string, payload any) {
	frame, err := json.Marshal(event{Type: eventType, Payload: payload})
	if err != nil {
		logger.ErrorErr(err, "failed to marshal event", "event", eventType, "connection_id", c.ID)
		return
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- frame:
	default:
		logger.Warn("dropping frame for slow consumer", "event", eventType, "connection_id", c.ID)
	}
}

// SendError reports a typed failure to this connection only.
func (c *Client) SendError(code, message string) {
	c.Send(EventError, ErrorPayload{Code: code, Message: message})
}

// Close shuts the outbound queue; WritePump delivers what is already
// queued, writes a close frame and exits. Safe to call more than once.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// reports whether this intent should count against the rate limiter
func rateLimited(intentType string) bool {
	switch intentType {
	case IntentPing, IntentListRooms:
		return false
	}
	return true
}
