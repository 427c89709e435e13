package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"codeberg.org/securechat/server/internal/errors"
	"codeberg.org/securechat/server/internal/logger"
	"codeberg.org/securechat/server/internal/metrics"
	"codeberg.org/securechat/server/securechat/consent"
	"codeberg.org/securechat/server/securechat/messages"
)

func (g *Gateway) handleCreatePasswordRoom(client *Client, raw json.RawMessage) error {
	var req CreatePasswordRoomPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid create payload")
		return fmt.Errorf("decode create-password-room: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	view, err := g.rooms.CreatePasswordRoom(ctx.userID, req.DurationMinutes, req.MaxParticipants)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	g.identities.TrackCreatedRoom(ctx.userID, view.ID)
	metrics.RoomsActive.Inc()

	client.Send(EventRoomCreated, RoomCreatedPayload{
		Room:     view,
		Password: view.Password,
		Link:     view.Link,
	})

	// the creator is a participant from the start
	g.joinRoomLocked(client, ctx, view.ID, view.Password)
	g.broadcastRoomsListLocked()

	logger.Info("password room created", "room_id", view.ID, "creator", ctx.userID)
	return nil
}

func (g *Gateway) handleJoinRoom(client *Client, raw json.RawMessage) error {
	var req JoinRoomPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid join payload")
		return fmt.Errorf("decode join-room: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	g.joinRoomLocked(client, ctx, req.RoomID, req.Secret)
	return nil
}

// joinRoomLocked admits a connection into a room and replays the room's
// buffered history to it. SESSION_FULL additionally emits the dedicated
// room-full event so clients can present the condition distinctly.
func (g *Gateway) joinRoomLocked(client *Client, ctx *ConnectionContext, roomID, password string) {
	_, wasMember := ctx.joined[roomID]

	view, err := g.rooms.Join(roomID, client.ID, ctx.userID, password)
	if err != nil {
		code := errors.CodeOf(err)
		client.Send(EventJoinError, JoinErrorPayload{
			RoomID:  roomID,
			Code:    code,
			Message: errors.MessageOf(err),
		})
		if code == errors.CodeSessionFull {
			client.Send(EventRoomFull, RoomFullPayload{RoomID: roomID})
		}
		return
	}

	ctx.joined[roomID] = struct{}{}

	history := g.messages.List(roomID)

	client.Send(EventJoinSuccess, JoinSuccessPayload{
		Room:     view,
		Messages: history,
	})

	if !wasMember {
		g.broadcastToRoom(roomID, EventUserJoined, UserJoinedPayload{
			RoomID: roomID,
			UserID: ctx.userID,
		}, client.ID)
		g.sendParticipantsUpdatedLocked(roomID)
		g.broadcastRoomsListLocked()
	}

	if len(history) == 0 && g.durable.Ready() {
		go g.hydrateRoom(roomID)
	}
}

// hydrateRoom pulls the durable history for a room whose in-memory buffer
// is empty and replays it to the current members. Runs off the intent path
// so a slow backend cannot stall the join.
func (g *Gateway) hydrateRoom(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	loaded, err := g.durable.LoadRecent(ctx, roomID, messages.MaxMessagesPerRoom)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load-recent").Inc()
		logger.ErrorErr(err, "history hydration failed", "room_id", roomID)
		return
	}
	if len(loaded) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// a message may have arrived while we were loading; it wins
	if g.messages.Count(roomID) > 0 {
		return
	}
	if _, ok := g.rooms.Snapshot(roomID); !ok {
		return
	}

	g.messages.Replace(roomID, loaded)

	kept := g.messages.List(roomID)
	if len(kept) == 0 {
		return
	}

	g.broadcastToRoom(roomID, EventLoadMessages, LoadMessagesPayload{
		RoomID:   roomID,
		Messages: kept,
	}, "")
}

func (g *Gateway) handleLeaveRoom(client *Client, raw json.RawMessage) error {
	var req LeaveRoomPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid leave payload")
		return fmt.Errorf("decode leave-room: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}
	if _, ok := ctx.joined[req.RoomID]; !ok {
		client.SendError(errors.CodeNotInSession, "You are not in this session.")
		return nil
	}

	g.leaveRoomLocked(client, req.RoomID, "left")
	g.broadcastRoomsListLocked()
	return nil
}

// leaveRoomLocked removes one connection's membership and tells the
// remaining members.
func (g *Gateway) leaveRoomLocked(client *Client, roomID, reason string) {
	ctx := g.contexts[client.ID]
	if ctx == nil {
		return
	}

	userID, left := g.rooms.Leave(roomID, client.ID)
	delete(ctx.joined, roomID)
	if !left {
		return
	}

	g.broadcastToRoom(roomID, EventUserLeft, UserLeftPayload{
		RoomID: roomID,
		UserID: userID,
		Reason: reason,
	}, client.ID)
	g.sendParticipantsUpdatedLocked(roomID)
}

func (g *Gateway) handleKick(client *Client, raw json.RawMessage) error {
	var req KickPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid kick payload")
		return fmt.Errorf("decode kick: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	removed, err := g.rooms.Kick(req.RoomID, ctx.userID, req.TargetUserID)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	for _, connID := range removed {
		if memberCtx := g.contexts[connID]; memberCtx != nil {
			delete(memberCtx.joined, req.RoomID)
		}
		if cl := g.clients[connID]; cl != nil {
			cl.Send(EventKicked, KickedPayload{RoomID: req.RoomID})
		}
	}

	g.broadcastToRoom(req.RoomID, EventUserLeft, UserLeftPayload{
		RoomID: req.RoomID,
		UserID: req.TargetUserID,
		Reason: "kicked",
	}, "")
	g.sendParticipantsUpdatedLocked(req.RoomID)
	g.broadcastRoomsListLocked()

	logger.Info("participant kicked", "room_id", req.RoomID, "target", req.TargetUserID, "by", ctx.userID)
	return nil
}

func (g *Gateway) handleUpdateDuration(client *Client, raw json.RawMessage) error {
	var req UpdateDurationPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid duration payload")
		return fmt.Errorf("decode update-duration: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	view, err := g.rooms.UpdateDuration(req.RoomID, ctx.userID, req.DurationMinutes)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	g.broadcastToRoom(req.RoomID, EventRoomUpdated, RoomUpdatedPayload{Room: view}, "")
	g.broadcastRoomsListLocked()
	return nil
}

func (g *Gateway) handleSendMessage(client *Client, raw json.RawMessage) error {
	var req SendMessagePayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid message payload")
		return fmt.Errorf("decode send-message: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}
	if _, ok := ctx.joined[req.RoomID]; !ok {
		client.SendError(errors.CodeNotInSession, "You are not in this session.")
		return nil
	}

	msg, err := g.messages.Append(req.RoomID, ctx.userID, req.Body, req.Encrypted, req.IV)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	metrics.MessagesTotal.WithLabelValues(encryptedLabel(msg.Encrypted)).Inc()

	g.broadcastToRoom(req.RoomID, EventMessageReceived, msg, "")

	saved := *msg
	g.persist("save", func(ctx context.Context) error {
		return g.durable.Save(ctx, &saved)
	})
	return nil
}

func (g *Gateway) handleEditMessage(client *Client, raw json.RawMessage) error {
	var req EditMessagePayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid edit payload")
		return fmt.Errorf("decode edit-message: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}
	if _, ok := ctx.joined[req.RoomID]; !ok {
		client.SendError(errors.CodeNotInSession, "You are not in this session.")
		return nil
	}

	msg, err := g.messages.Edit(req.RoomID, req.MessageID, ctx.userID, req.Body, req.Encrypted, req.IV)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	g.broadcastToRoom(req.RoomID, EventMessageEdited, msg, "")

	saved := *msg
	g.persist("edit", func(ctx context.Context) error {
		return g.durable.Edit(ctx, &saved)
	})
	return nil
}

func (g *Gateway) handleDeleteMessage(client *Client, raw json.RawMessage) error {
	var req DeleteMessagePayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid delete payload")
		return fmt.Errorf("decode delete-message: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}
	if _, ok := ctx.joined[req.RoomID]; !ok {
		client.SendError(errors.CodeNotInSession, "You are not in this session.")
		return nil
	}

	if _, err := g.messages.Delete(req.RoomID, req.MessageID, ctx.userID); err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	g.broadcastToRoom(req.RoomID, EventMessageDeleted, MessageDeletedPayload{
		RoomID:    req.RoomID,
		MessageID: req.MessageID,
		UserID:    ctx.userID,
	}, "")

	g.persist("delete", func(ctx context.Context) error {
		return g.durable.Delete(ctx, req.RoomID, req.MessageID)
	})
	return nil
}

func (g *Gateway) handleListRooms(client *Client) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	client.Send(EventRoomsList, RoomsListPayload{Rooms: g.rooms.ListFor(ctx.userID)})
	return nil
}

func (g *Gateway) handleRequestConsent(client *Client, raw json.RawMessage) error {
	var req RequestConsentPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid consent payload")
		return fmt.Errorf("decode request-consent: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	// liveness check only: the target must have at least one open connection
	if len(g.online[req.TargetUserID]) == 0 {
		client.SendError(errors.CodeTargetOffline, "That user is not online.")
		return nil
	}

	request, err := g.consent.Request(ctx.userID, req.TargetUserID, client.ID, req.OpaquePayload)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	ttl := int(consent.RequestTTL.Seconds())

	g.sendToUserLocked(req.TargetUserID, EventConsentRequested, ConsentRequestedPayload{
		RequestID:     request.ID,
		FromUserID:    request.FromUserID,
		OpaquePayload: request.OpaquePayload,
		TTLSeconds:    ttl,
	})

	client.Send(EventConsentRequestSent, ConsentRequestSentPayload{
		RequestID:    request.ID,
		TargetUserID: req.TargetUserID,
		TTLSeconds:   ttl,
	})
	return nil
}

func (g *Gateway) handleRespondConsent(client *Client, raw json.RawMessage) error {
	var req RespondConsentPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		client.SendError(errors.CodeInvalidPayload, "invalid consent response payload")
		return fmt.Errorf("decode respond-consent: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	request, err := g.consent.Respond(req.RequestID, ctx.userID)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}

	if !req.Accepted {
		g.notifyConsentOutcomeLocked(request, false, "", consent.OutcomeDeclined)
		metrics.ConsentOutcomes.WithLabelValues(consent.OutcomeDeclined).Inc()
		return nil
	}

	view, err := g.rooms.CreateConsentRoom(request.FromUserID, request.ToUserID)
	if err != nil {
		client.SendError(errors.CodeOf(err), errors.MessageOf(err))
		return nil
	}
	metrics.RoomsActive.Inc()
	metrics.ConsentOutcomes.WithLabelValues(consent.OutcomeAccepted).Inc()

	g.notifyConsentOutcomeLocked(request, true, view.ID, consent.OutcomeAccepted)

	// both parties are joined immediately; extra devices can join on the
	// accepted event since membership is restricted to the two user ids
	if requester := g.clients[request.FromConnectionID]; requester != nil {
		if reqCtx := g.contexts[request.FromConnectionID]; reqCtx != nil {
			g.joinRoomLocked(requester, reqCtx, view.ID, "")
		}
	}
	g.joinRoomLocked(client, ctx, view.ID, "")

	logger.Info("consent room created", "room_id", view.ID,
		"from", request.FromUserID, "to", request.ToUserID)
	return nil
}

func (g *Gateway) handlePanicReset(client *Client) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.contexts[client.ID]
	if ctx == nil {
		return nil
	}

	oldUserID := ctx.userID

	deletedMessages, expiredRooms := g.purgeLocked(oldUserID, "panic-reset", client.ID)
	metrics.IdentityPurges.WithLabelValues("panic-reset").Inc()

	fresh := g.identities.Issue()
	ctx.userID = fresh.ID
	ctx.joined = make(map[string]struct{})
	g.trackOnlineLocked(fresh.ID, client.ID)

	metrics.IdentitiesIssued.WithLabelValues("panic-reset").Inc()

	client.Send(EventIdentityAssigned, IdentityAssignedPayload{
		UserID: fresh.ID,
		Secret: fresh.Secret,
		Reason: "panic-reset",
	})
	client.Send(EventResetComplete, ResetCompletePayload{
		DeletedMessages: deletedMessages,
		ExpiredRooms:    expiredRooms,
	})
	client.Send(EventRoomsList, RoomsListPayload{Rooms: g.rooms.ListFor(fresh.ID)})
	g.broadcastRoomsListLocked()

	logger.Info("panic reset complete", "old_user_id", oldUserID, "new_user_id", fresh.ID)
	return nil
}

func encryptedLabel(encrypted bool) string {
	if encrypted {
		return "encrypted"
	}
	return "plaintext"
}
