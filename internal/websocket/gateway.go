// Package websocket implements the connection gateway: the single entry
// point that binds live connections to identities, translates client
// intents into registry/store/broker calls and fans results out to the
// right audience.
package websocket

import (
	"context"
	"sync"
	"time"

	"codeberg.org/securechat/server/internal/errors"
	"codeberg.org/securechat/server/internal/logger"
	"codeberg.org/securechat/server/internal/metrics"
	"codeberg.org/securechat/server/internal/store"
	"codeberg.org/securechat/server/securechat/consent"
	"codeberg.org/securechat/server/securechat/identity"
	"codeberg.org/securechat/server/securechat/messages"
	"codeberg.org/securechat/server/securechat/rooms"
)

// deadline for each background durable-store call
const persistTimeout = 5 * time.Second

// ConnectionContext is the gateway-owned state of one connection.
type ConnectionContext struct {
	userID string
	joined map[string]struct{}
}

// Gateway serializes every state mutation behind one mutex: client intents
// and timer firings alike run to completion before the next is considered.
type Gateway struct {
	mu sync.Mutex

	clients  map[string]*Client
	contexts map[string]*ConnectionContext
	online   map[string]map[string]struct{} // user id -> connection ids

	identities *identity.Registry
	rooms      *rooms.Registry
	messages   *messages.Store
	consent    *consent.Broker
	durable    store.MessageStore
}

func NewGateway(
	identities *identity.Registry,
	roomRegistry *rooms.Registry,
	messageStore *messages.Store,
	broker *consent.Broker,
	durable store.MessageStore,
) *Gateway {
	g := &Gateway{
		clients:    make(map[string]*Client),
		contexts:   make(map[string]*ConnectionContext),
		online:     make(map[string]map[string]struct{}),
		identities: identities,
		rooms:      roomRegistry,
		messages:   messageStore,
		consent:    broker,
		durable:    durable,
	}

	roomRegistry.SetExpireFunc(g.onRoomExpiry)
	broker.SetExpireFunc(g.onConsentExpiry)

	return g
}

// Connect authenticates the identity claim carried by a new connection and
// registers it. A lockout purges the claimed identity first, then issues
// the replacement on this connection.
func (g *Gateway) Connect(client *Client, claimedUserID, claimedSecret string) {
	g.mu.Lock()

	result := g.identities.Authenticate(claimedUserID, claimedSecret)

	if result.LockedOutUserID != "" {
		g.purgeLocked(result.LockedOutUserID, identity.OutcomeLockoutReset, client.ID)
		result.Identity = g.identities.Issue()
		metrics.IdentityPurges.WithLabelValues(identity.OutcomeLockoutReset).Inc()
	}

	userID := result.Identity.ID

	g.clients[client.ID] = client
	g.contexts[client.ID] = &ConnectionContext{
		userID: userID,
		joined: make(map[string]struct{}),
	}
	g.trackOnlineLocked(userID, client.ID)

	metrics.ConnectionsOpen.Inc()
	metrics.IdentitiesIssued.WithLabelValues(result.Outcome).Inc()

	logger.Info("connection registered",
		"connection_id", client.ID,
		"user_id", userID,
		"outcome", result.Outcome,
	)

	client.Send(EventIdentityAssigned, IdentityAssignedPayload{
		UserID:            userID,
		Secret:            result.Identity.Secret,
		Reason:            result.Outcome,
		AttemptsRemaining: result.AttemptsRemaining,
	})
	client.Send(EventRoomsList, RoomsListPayload{Rooms: g.rooms.ListFor(userID)})

	g.mu.Unlock()
}

// Disconnect unwinds everything a dying connection touched: memberships,
// originated consent requests, the online index entry. Idempotent; purged
// connections arrive here again when their read pump exits.
func (g *Gateway) Disconnect(client *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, ok := g.contexts[client.ID]
	if !ok {
		return
	}

	userID := ctx.userID

	for roomID := range ctx.joined {
		g.leaveRoomLocked(client, roomID, "disconnect")
	}

	cancelled := g.consent.CancelByConnection(client.ID)

	delete(g.clients, client.ID)
	delete(g.contexts, client.ID)

	if conns := g.online[userID]; conns != nil {
		delete(conns, client.ID)
		if len(conns) == 0 {
			delete(g.online, userID)
			cancelled = append(cancelled, g.consent.CancelByUser(userID)...)
		}
	}

	for _, req := range cancelled {
		g.notifyConsentOutcomeLocked(req, false, "", "request-cancelled")
		metrics.ConsentOutcomes.WithLabelValues(consent.OutcomeCancelled).Inc()
	}

	g.broadcastRoomsListLocked()

	metrics.ConnectionsOpen.Dec()
	client.Close()

	logger.Info("connection unregistered", "connection_id", client.ID, "user_id", userID)
}

// Dispatch routes one client intent. The intent set is closed: every type
// is matched here and anything else is rejected.
func (g *Gateway) Dispatch(client *Client, env *Envelope) {
	if rateLimited(env.Type) && !client.limiter.Allow() {
		client.SendError(errors.CodeTooManyRequests, "Slow down.")
		return
	}

	var err error

	switch env.Type {
	case IntentCreatePasswordRoom:
		err = g.handleCreatePasswordRoom(client, env.Payload)
	case IntentJoinRoom:
		err = g.handleJoinRoom(client, env.Payload)
	case IntentLeaveRoom:
		err = g.handleLeaveRoom(client, env.Payload)
	case IntentKick:
		err = g.handleKick(client, env.Payload)
	case IntentUpdateDuration:
		err = g.handleUpdateDuration(client, env.Payload)
	case IntentSendMessage:
		err = g.handleSendMessage(client, env.Payload)
	case IntentEditMessage:
		err = g.handleEditMessage(client, env.Payload)
	case IntentDeleteMessage:
		err = g.handleDeleteMessage(client, env.Payload)
	case IntentListRooms:
		err = g.handleListRooms(client)
	case IntentRequestConsent:
		err = g.handleRequestConsent(client, env.Payload)
	case IntentRespondConsent:
		err = g.handleRespondConsent(client, env.Payload)
	case IntentPanicReset:
		err = g.handlePanicReset(client)
	case IntentPing:
		client.Send(EventPong, nil)
	default:
		client.SendError(errors.CodeInvalidPayload, "unsupported intent type")
		logger.Warn("unhandled intent type", "type", env.Type, "connection_id", client.ID)
		return
	}

	if err != nil {
		logger.ErrorErr(err, "intent failed", "type", env.Type, "connection_id", client.ID)
	}
}

// Shutdown notifies every client and closes all connections.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	logger.Info("notifying clients of server shutdown")

	for _, client := range g.clients {
		client.Send(EventServerShutdown, ServerShutdownPayload{
			Reason: "server is shutting down for maintenance",
		})
		client.Close()
	}

	g.clients = make(map[string]*Client)
	g.contexts = make(map[string]*ConnectionContext)
	g.online = make(map[string]map[string]struct{})
}

// OpenConnections reports the number of registered connections.
func (g *Gateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// SweepExpiredRooms runs the periodic safety net behind per-room timers.
func (g *Gateway) SweepExpiredRooms() {
	g.rooms.SweepExpired()
}

// room duration / grace timer fired
func (g *Gateway) onRoomExpiry(roomID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expired := g.rooms.Expire(roomID, reason)
	if expired == nil {
		return
	}

	g.finishRoomExpiryLocked(expired)
	g.broadcastRoomsListLocked()
}

// consent TTL timer fired
func (g *Gateway) onConsentExpiry(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req := g.consent.Expire(requestID)
	if req == nil {
		return
	}

	g.notifyConsentOutcomeLocked(req, false, "", consent.OutcomeExpired)
	metrics.ConsentOutcomes.WithLabelValues(consent.OutcomeExpired).Inc()
}

// notifies members, clears buffers and indexes after a room was removed
func (g *Gateway) finishRoomExpiryLocked(expired *rooms.ExpiredRoom) {
	roomID := expired.View.ID

	for _, member := range expired.Members {
		if ctx := g.contexts[member.ConnectionID]; ctx != nil {
			delete(ctx.joined, roomID)
		}
		if cl := g.clients[member.ConnectionID]; cl != nil {
			cl.Send(EventRoomExpired, RoomExpiredPayload{RoomID: roomID, Reason: expired.Reason})
		}
	}

	g.messages.Clear(roomID)
	g.persist("clear-room", func(ctx context.Context) error {
		return g.durable.ClearRoom(ctx, roomID)
	})
	g.identities.UntrackRoom(roomID)

	metrics.RoomsActive.Dec()
	metrics.RoomsExpired.WithLabelValues(expired.Reason).Inc()

	logger.Info("room expired", "room_id", roomID, "reason", expired.Reason)
}

// broadcast helpers; callers hold g.mu

func (g *Gateway) broadcastToRoom(roomID, eventType string, payload any, excludeConnID string) {
	for _, connID := range g.rooms.MemberConnections(roomID) {
		if connID == excludeConnID {
			continue
		}
		if cl := g.clients[connID]; cl != nil {
			cl.Send(eventType, payload)
		}
	}
}

func (g *Gateway) sendToUserLocked(userID, eventType string, payload any) {
	for connID := range g.online[userID] {
		if cl := g.clients[connID]; cl != nil {
			cl.Send(eventType, payload)
		}
	}
}

func (g *Gateway) sendParticipantsUpdatedLocked(roomID string) {
	view, ok := g.rooms.Snapshot(roomID)
	if !ok {
		return
	}

	g.broadcastToRoom(roomID, EventParticipantsUpdated, ParticipantsUpdatedPayload{
		RoomID:           roomID,
		ParticipantCount: view.ParticipantCount,
		Participants:     view.Participants,
	}, "")
}

// pushes each connection its own scoped room list
func (g *Gateway) broadcastRoomsListLocked() {
	for connID, ctx := range g.contexts {
		if cl := g.clients[connID]; cl != nil {
			cl.Send(EventRoomsList, RoomsListPayload{Rooms: g.rooms.ListFor(ctx.userID)})
		}
	}
}

func (g *Gateway) notifyConsentOutcomeLocked(req *consent.Request, accepted bool, roomID, reason string) {
	payload := ConsentResponsePayload{
		RequestID: req.ID,
		Accepted:  accepted,
		RoomID:    roomID,
		Reason:    reason,
	}

	notified := make(map[string]struct{})

	for _, userID := range []string{req.FromUserID, req.ToUserID} {
		for connID := range g.online[userID] {
			if _, done := notified[connID]; done {
				continue
			}
			notified[connID] = struct{}{}

			if cl := g.clients[connID]; cl != nil {
				cl.Send(EventConsentResponse, payload)
			}
		}
	}
}

// runs one best-effort durable store call in the background; failures are
// logged and counted, never surfaced
func (g *Gateway) persist(operation string, fn func(ctx context.Context) error) {
	if !g.durable.Ready() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			metrics.StoreErrors.WithLabelValues(operation).Inc()
			logger.ErrorErr(err, "durable store operation failed", "operation", operation)
		}
	}()
}

func (g *Gateway) trackOnlineLocked(userID, connID string) {
	conns := g.online[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		g.online[userID] = conns
	}
	conns[connID] = struct{}{}
}
