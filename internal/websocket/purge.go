package websocket

import (
	"context"

	"codeberg.org/securechat/server/internal/logger"
	"codeberg.org/securechat/server/internal/metrics"
	"codeberg.org/securechat/server/securechat/consent"
)

// purgeLocked erases one identity and everything attached to it. The
// in-memory steps run to completion under the gateway lock before any
// other intent or timer is processed; the durable cleanup is detached;
// the purged user's other connections close only at the very end, so
// every departure notification has already been fanned out by then.
//
// keepConnID names the connection driving the purge (the lockout winner
// or the panic-reset requester); it is the one connection left open.
func (g *Gateway) purgeLocked(userID, reason, keepConnID string) (deletedMessages int, expiredRooms []string) {
	logger.Info("purging identity", "user_id", userID, "reason", reason)

	// rooms this user created go first, members notified as usual
	for _, expired := range g.rooms.ExpireAllByCreator(userID, reason) {
		g.finishRoomExpiryLocked(expired)
		expiredRooms = append(expiredRooms, expired.View.ID)
	}

	// then remaining memberships in rooms owned by others
	removed := g.rooms.RemoveUserFromAllRooms(userID)
	affected := make(map[string]struct{})
	for _, m := range removed {
		if ctx := g.contexts[m.ConnectionID]; ctx != nil {
			delete(ctx.joined, m.RoomID)
		}
		affected[m.RoomID] = struct{}{}
	}
	for roomID := range affected {
		g.broadcastToRoom(roomID, EventUserLeft, UserLeftPayload{
			RoomID: roomID,
			UserID: userID,
			Reason: reason,
		}, "")
		g.sendParticipantsUpdatedLocked(roomID)
	}

	// every buffered message the user ever wrote, with per-message
	// deletion notices so viewers drop them immediately
	for _, msg := range g.messages.RemoveAllByUser(userID) {
		deletedMessages++
		g.broadcastToRoom(msg.RoomID, EventMessageDeleted, MessageDeletedPayload{
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
			UserID:    msg.UserID,
		}, "")
	}

	g.persist("delete-all-by-user", func(ctx context.Context) error {
		_, err := g.durable.DeleteAllByUser(ctx, userID)
		return err
	})

	// pending handshakes involving the user cannot survive it
	for _, req := range g.consent.CancelByUser(userID) {
		g.notifyConsentOutcomeLocked(req, false, "", "request-cancelled")
		metrics.ConsentOutcomes.WithLabelValues(consent.OutcomeCancelled).Inc()
	}

	// other connections of the purged identity: tell them, then close
	for connID := range g.online[userID] {
		if connID == keepConnID {
			continue
		}

		if cl := g.clients[connID]; cl != nil {
			cl.Send(EventIdentityInvalidated, IdentityInvalidatedPayload{Reason: reason})
			cl.Close()
			metrics.ConnectionsOpen.Dec()
		}

		delete(g.clients, connID)
		delete(g.contexts, connID)
	}
	delete(g.online, userID)

	g.identities.Remove(userID)

	logger.Info("identity purged",
		"user_id", userID,
		"reason", reason,
		"deleted_messages", deletedMessages,
		"expired_rooms", len(expiredRooms),
	)
	return deletedMessages, expiredRooms
}
