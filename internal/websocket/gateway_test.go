package websocket

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/securechat/server/internal/clock"
	"codeberg.org/securechat/server/internal/errors"
	"codeberg.org/securechat/server/internal/store"
	"codeberg.org/securechat/server/securechat/consent"
	"codeberg.org/securechat/server/securechat/identity"
	"codeberg.org/securechat/server/securechat/messages"
	"codeberg.org/securechat/server/securechat/rooms"
)

var connSeq int

func newTestGateway() (*Gateway, *clock.FakeClock) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	gateway := NewGateway(
		identity.NewRegistry(fake),
		rooms.NewRegistry(fake, fake, "https://chat.example", ""),
		messages.NewStore(fake),
		consent.NewBroker(fake, fake),
		store.Disabled{},
	)

	return gateway, fake
}

// connects a fresh client; pumps never run in tests, events are read
// straight off the send queue
func connect(t *testing.T, gateway *Gateway, claimedID, claimedSecret string) *Client {
	t.Helper()

	connSeq++
	client := NewClient(fmt.Sprintf("conn-%d", connSeq), nil, gateway)
	gateway.Connect(client, claimedID, claimedSecret)

	return client
}

func dispatch(t *testing.T, gateway *Gateway, client *Client, intentType string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = encoded
	}

	gateway.Dispatch(client, &Envelope{Type: intentType, Payload: raw})
}

func drain(t *testing.T, client *Client) []Envelope {
	t.Helper()

	var out []Envelope
	for {
		select {
		case raw, ok := <-client.send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventsOfType(events []Envelope, eventType string) []json.RawMessage {
	var matched []json.RawMessage
	for _, env := range events {
		if env.Type == eventType {
			matched = append(matched, env.Payload)
		}
	}
	return matched
}

func requireEvent[T any](t *testing.T, events []Envelope, eventType string) T {
	t.Helper()

	matched := eventsOfType(events, eventType)
	require.NotEmpty(t, matched, "expected event %q", eventType)

	var payload T
	require.NoError(t, json.Unmarshal(matched[len(matched)-1], &payload))
	return payload
}

func identityOf(t *testing.T, client *Client, events []Envelope) IdentityAssignedPayload {
	t.Helper()
	return requireEvent[IdentityAssignedPayload](t, events, EventIdentityAssigned)
}

// creates a room through the full intent path and returns its created view
func createRoom(t *testing.T, gateway *Gateway, client *Client, duration, maxParticipants int) RoomCreatedPayload {
	t.Helper()

	dispatch(t, gateway, client, IntentCreatePasswordRoom, CreatePasswordRoomPayload{
		DurationMinutes: duration,
		MaxParticipants: maxParticipants,
	})

	return requireEvent[RoomCreatedPayload](t, drain(t, client), EventRoomCreated)
}

func TestConnectIssuesIdentityAndRoomList(t *testing.T) {
	gateway, _ := newTestGateway()

	client := connect(t, gateway, "", "")
	events := drain(t, client)

	assigned := identityOf(t, client, events)
	assert.Contains(t, assigned.UserID, "user_")
	assert.NotEmpty(t, assigned.Secret)
	assert.Equal(t, identity.OutcomeFirstConnection, assigned.Reason)

	list := requireEvent[RoomsListPayload](t, events, EventRoomsList)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, rooms.GeneralRoomID, list.Rooms[0].ID)

	assert.Equal(t, 1, gateway.OpenConnections())
}

func TestConnectRestoresKnownIdentity(t *testing.T) {
	gateway, _ := newTestGateway()

	first := connect(t, gateway, "", "")
	assigned := identityOf(t, first, drain(t, first))

	second := connect(t, gateway, assigned.UserID, assigned.Secret)
	restored := identityOf(t, second, drain(t, second))

	assert.Equal(t, identity.OutcomeRestored, restored.Reason)
	assert.Equal(t, assigned.UserID, restored.UserID)
}

func TestConnectWrongSecretIssuesReplacement(t *testing.T) {
	gateway, _ := newTestGateway()

	first := connect(t, gateway, "", "")
	assigned := identityOf(t, first, drain(t, first))

	second := connect(t, gateway, assigned.UserID, "wrong-secret")
	replacement := identityOf(t, second, drain(t, second))

	assert.Equal(t, identity.OutcomeWrongPassword, replacement.Reason)
	assert.Equal(t, identity.LockoutThreshold-1, replacement.AttemptsRemaining)
	assert.NotEqual(t, assigned.UserID, replacement.UserID)
}

func TestLockoutPurgesClaimedIdentity(t *testing.T) {
	gateway, _ := newTestGateway()

	victim := connect(t, gateway, "", "")
	assigned := identityOf(t, victim, drain(t, victim))

	created := createRoom(t, gateway, victim, 30, 5)
	dispatch(t, gateway, victim, IntentSendMessage, SendMessagePayload{
		RoomID: created.Room.ID,
		Body:   "soon to vanish",
	})
	drain(t, victim)

	connect(t, gateway, assigned.UserID, "wrong-1")
	connect(t, gateway, assigned.UserID, "wrong-2")

	// third failure trips the lockout and purges before the replacement
	attacker := connect(t, gateway, assigned.UserID, "wrong-3")
	replacement := identityOf(t, attacker, drain(t, attacker))

	assert.Equal(t, identity.OutcomeLockoutReset, replacement.Reason)
	assert.NotEqual(t, assigned.UserID, replacement.UserID)

	// the victim connection was told and closed
	victimEvents := drain(t, victim)
	invalidated := requireEvent[IdentityInvalidatedPayload](t, victimEvents, EventIdentityInvalidated)
	assert.Equal(t, identity.OutcomeLockoutReset, invalidated.Reason)

	_, open := <-victim.send
	assert.False(t, open)

	// everything the victim owned is gone
	_, exists := gateway.rooms.Snapshot(created.Room.ID)
	assert.False(t, exists)
	assert.False(t, gateway.identities.Exists(assigned.UserID))
	assert.Equal(t, 0, gateway.messages.Count(created.Room.ID))
}

func TestJoinRoomWithPassword(t *testing.T) {
	gateway, _ := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 30, 5)

	guest := connect(t, gateway, "", "")
	drain(t, guest)

	dispatch(t, gateway, guest, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: "wrong",
	})
	events := drain(t, guest)
	joinErr := requireEvent[JoinErrorPayload](t, events, EventJoinError)
	assert.Equal(t, errors.CodeWrongPassword, joinErr.Code)

	dispatch(t, gateway, guest, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: created.Password,
	})
	events = drain(t, guest)
	success := requireEvent[JoinSuccessPayload](t, events, EventJoinSuccess)
	assert.Equal(t, created.Room.ID, success.Room.ID)
	assert.Equal(t, 2, success.Room.ParticipantCount)

	// the owner hears about the arrival
	ownerEvents := drain(t, owner)
	assert.NotEmpty(t, eventsOfType(ownerEvents, EventUserJoined))
	assert.NotEmpty(t, eventsOfType(ownerEvents, EventParticipantsUpdated))
}

func TestJoinFullRoomEmitsRoomFull(t *testing.T) {
	gateway, _ := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 30, 2)

	second := connect(t, gateway, "", "")
	dispatch(t, gateway, second, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: created.Password,
	})
	drain(t, second)

	third := connect(t, gateway, "", "")
	dispatch(t, gateway, third, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: created.Password,
	})

	events := drain(t, third)
	joinErr := requireEvent[JoinErrorPayload](t, events, EventJoinError)
	assert.Equal(t, errors.CodeSessionFull, joinErr.Code)

	full := requireEvent[RoomFullPayload](t, events, EventRoomFull)
	assert.Equal(t, created.Room.ID, full.RoomID)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	gateway, _ := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 30, 5)

	outsider := connect(t, gateway, "", "")
	drain(t, outsider)

	dispatch(t, gateway, outsider, IntentSendMessage, SendMessagePayload{
		RoomID: created.Room.ID,
		Body:   "should not land",
	})

	events := drain(t, outsider)
	failure := requireEvent[ErrorPayload](t, events, EventError)
	assert.Equal(t, errors.CodeNotInSession, failure.Code)
	assert.Equal(t, 0, gateway.messages.Count(created.Room.ID))
}

func TestSendMessageBroadcastsToAllMembers(t *testing.T) {
	gateway, _ := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 30, 5)

	guest := connect(t, gateway, "", "")
	dispatch(t, gateway, guest, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: created.Password,
	})
	drain(t, owner)
	drain(t, guest)

	dispatch(t, gateway, owner, IntentSendMessage, SendMessagePayload{
		RoomID: created.Room.ID,
		Body:   "hello room",
	})

	ownerMsg := requireEvent[messages.Message](t, drain(t, owner), EventMessageReceived)
	guestMsg := requireEvent[messages.Message](t, drain(t, guest), EventMessageReceived)

	assert.Equal(t, ownerMsg.ID, guestMsg.ID)
	assert.Equal(t, "hello room", guestMsg.Payload)
}

func TestEncryptedMessagePassesThroughUntouched(t *testing.T) {
	gateway, _ := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 30, 5)

	body := "b2sgdGhpcyBpcyBvcGFxdWU="
	dispatch(t, gateway, owner, IntentSendMessage, SendMessagePayload{
		RoomID:    created.Room.ID,
		Body:      body,
		Encrypted: true,
		IV:        "aXYtYnl0ZXM=",
	})

	received := requireEvent[messages.Message](t, drain(t, owner), EventMessageReceived)
	assert.True(t, received.Encrypted)
	assert.Equal(t, body, received.Payload)
	assert.Equal(t, "aXYtYnl0ZXM=", received.IV)
}

func TestKickRemovesTargetAndNotifies(t *testing.T) {
	gateway, _ := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 30, 5)

	guest := connect(t, gateway, "", "")
	guestID := identityOf(t, guest, drain(t, guest)).UserID
	dispatch(t, gateway, guest, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: created.Password,
	})
	drain(t, owner)
	drain(t, guest)

	dispatch(t, gateway, owner, IntentKick, KickPayload{
		RoomID:       created.Room.ID,
		TargetUserID: guestID,
	})

	kicked := requireEvent[KickedPayload](t, drain(t, guest), EventKicked)
	assert.Equal(t, created.Room.ID, kicked.RoomID)

	left := requireEvent[UserLeftPayload](t, drain(t, owner), EventUserLeft)
	assert.Equal(t, guestID, left.UserID)
	assert.Equal(t, "kicked", left.Reason)

	// the kicked connection can no longer post
	dispatch(t, gateway, guest, IntentSendMessage, SendMessagePayload{
		RoomID: created.Room.ID,
		Body:   "still here?",
	})
	failure := requireEvent[ErrorPayload](t, drain(t, guest), EventError)
	assert.Equal(t, errors.CodeNotInSession, failure.Code)
}

func TestRoomExpiryNotifiesMembersAndClearsBuffers(t *testing.T) {
	gateway, fake := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 5, 5)

	dispatch(t, gateway, owner, IntentSendMessage, SendMessagePayload{
		RoomID: created.Room.ID,
		Body:   "ephemeral",
	})
	drain(t, owner)

	fake.Advance(5 * time.Minute)

	events := drain(t, owner)
	expired := requireEvent[RoomExpiredPayload](t, events, EventRoomExpired)
	assert.Equal(t, created.Room.ID, expired.RoomID)
	assert.Equal(t, rooms.ReasonDurationReached, expired.Reason)

	_, exists := gateway.rooms.Snapshot(created.Room.ID)
	assert.False(t, exists)
	assert.Equal(t, 0, gateway.messages.Count(created.Room.ID))

	// members got a refreshed room list without the dead room
	list := requireEvent[RoomsListPayload](t, events, EventRoomsList)
	for _, room := range list.Rooms {
		assert.NotEqual(t, created.Room.ID, room.ID)
	}
}

func TestJoinRacingExpiryLosesCleanly(t *testing.T) {
	gateway, fake := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 5, 5)

	fake.Advance(5 * time.Minute)
	drain(t, owner)

	late := connect(t, gateway, "", "")
	drain(t, late)
	dispatch(t, gateway, late, IntentJoinRoom, JoinRoomPayload{
		RoomID: created.Room.ID,
		Secret: created.Password,
	})

	joinErr := requireEvent[JoinErrorPayload](t, drain(t, late), EventJoinError)
	assert.Equal(t, errors.CodeSessionNotFound, joinErr.Code)
}

func TestUpdateDurationBroadcastsRoomUpdated(t *testing.T) {
	gateway, fake := newTestGateway()

	owner := connect(t, gateway, "", "")
	created := createRoom(t, gateway, owner, 10, 5)

	fake.Advance(2 * time.Minute)
	dispatch(t, gateway, owner, IntentUpdateDuration, UpdateDurationPayload{
		RoomID:          created.Room.ID,
		DurationMinutes: 30,
	})

	updated := requireEvent[RoomUpdatedPayload](t, drain(t, owner), EventRoomUpdated)
	require.NotNil(t, updated.Room.ExpiresAt)
	assert.Equal(t, fake.Now().Add(30*time.Minute), *updated.Room.ExpiresAt)
}

func TestConsentAcceptCreatesDirectRoomForBoth(t *testing.T) {
	gateway, _ := newTestGateway()

	requester := connect(t, gateway, "", "")
	drain(t, requester)

	target := connect(t, gateway, "", "")
	targetID := identityOf(t, target, drain(t, target)).UserID

	dispatch(t, gateway, requester, IntentRequestConsent, RequestConsentPayload{
		TargetUserID:  targetID,
		OpaquePayload: "a2V5LW1hdGVyaWFs",
	})

	sent := requireEvent[ConsentRequestSentPayload](t, drain(t, requester), EventConsentRequestSent)
	asked := requireEvent[ConsentRequestedPayload](t, drain(t, target), EventConsentRequested)
	assert.Equal(t, sent.RequestID, asked.RequestID)
	assert.Equal(t, "a2V5LW1hdGVyaWFs", asked.OpaquePayload)

	dispatch(t, gateway, target, IntentRespondConsent, RespondConsentPayload{
		RequestID: asked.RequestID,
		Accepted:  true,
	})

	requesterEvents := drain(t, requester)
	targetEvents := drain(t, target)

	accepted := requireEvent[ConsentResponsePayload](t, requesterEvents, EventConsentResponse)
	assert.True(t, accepted.Accepted)
	assert.NotEmpty(t, accepted.RoomID)

	// both ends were joined into the new direct room
	reqJoin := requireEvent[JoinSuccessPayload](t, requesterEvents, EventJoinSuccess)
	tgtJoin := requireEvent[JoinSuccessPayload](t, targetEvents, EventJoinSuccess)
	assert.Equal(t, accepted.RoomID, reqJoin.Room.ID)
	assert.Equal(t, accepted.RoomID, tgtJoin.Room.ID)
	assert.Equal(t, rooms.ConsentRoomParticipants, reqJoin.Room.MaxParticipants)
}

func TestConsentDeclineNotifiesWithoutRoom(t *testing.T) {
	gateway, _ := newTestGateway()

	requester := connect(t, gateway, "", "")
	drain(t, requester)

	target := connect(t, gateway, "", "")
	targetID := identityOf(t, target, drain(t, target)).UserID

	dispatch(t, gateway, requester, IntentRequestConsent, RequestConsentPayload{TargetUserID: targetID})
	drain(t, requester)
	asked := requireEvent[ConsentRequestedPayload](t, drain(t, target), EventConsentRequested)

	before := gateway.rooms.Count()

	dispatch(t, gateway, target, IntentRespondConsent, RespondConsentPayload{
		RequestID: asked.RequestID,
		Accepted:  false,
	})

	declined := requireEvent[ConsentResponsePayload](t, drain(t, requester), EventConsentResponse)
	assert.False(t, declined.Accepted)
	assert.Equal(t, consent.OutcomeDeclined, declined.Reason)
	assert.Empty(t, declined.RoomID)
	assert.Equal(t, before, gateway.rooms.Count())
}

func TestConsentExpiresAfterTTL(t *testing.T) {
	gateway, fake := newTestGateway()

	requester := connect(t, gateway, "", "")
	drain(t, requester)

	target := connect(t, gateway, "", "")
	targetID := identityOf(t, target, drain(t, target)).UserID

	dispatch(t, gateway, requester, IntentRequestConsent, RequestConsentPayload{TargetUserID: targetID})
	asked := requireEvent[ConsentRequestedPayload](t, drain(t, target), EventConsentRequested)
	drain(t, requester)

	fake.Advance(consent.RequestTTL)

	expired := requireEvent[ConsentResponsePayload](t, drain(t, requester), EventConsentResponse)
	assert.False(t, expired.Accepted)
	assert.Equal(t, consent.OutcomeExpired, expired.Reason)

	// a late answer finds nothing
	dispatch(t, gateway, target, IntentRespondConsent, RespondConsentPayload{
		RequestID: asked.RequestID,
		Accepted:  true,
	})
	failure := requireEvent[ErrorPayload](t, drain(t, target), EventError)
	assert.Equal(t, errors.CodeRequestNotFound, failure.Code)
}

func TestConsentRequiresOnlineTarget(t *testing.T) {
	gateway, _ := newTestGateway()

	requester := connect(t, gateway, "", "")
	drain(t, requester)

	dispatch(t, gateway, requester, IntentRequestConsent, RequestConsentPayload{
		TargetUserID: "user_ghost",
	})

	failure := requireEvent[ErrorPayload](t, drain(t, requester), EventError)
	assert.Equal(t, errors.CodeTargetOffline, failure.Code)
}

func TestPanicResetPurgesEverything(t *testing.T) {
	gateway, _ := newTestGateway()

	user := connect(t, gateway, "", "")
	oldID := identityOf(t, user, drain(t, user)).UserID

	created := createRoom(t, gateway, user, 30, 5)
	dispatch(t, gateway, user, IntentJoinRoom, JoinRoomPayload{RoomID: rooms.GeneralRoomID})
	dispatch(t, gateway, user, IntentSendMessage, SendMessagePayload{
		RoomID: rooms.GeneralRoomID,
		Body:   "public trace",
	})
	drain(t, user)

	witness := connect(t, gateway, "", "")
	dispatch(t, gateway, witness, IntentJoinRoom, JoinRoomPayload{RoomID: rooms.GeneralRoomID})
	drain(t, witness)
	drain(t, user)

	dispatch(t, gateway, user, IntentPanicReset, nil)

	events := drain(t, user)
	fresh := identityOf(t, user, events)
	assert.NotEqual(t, oldID, fresh.UserID)
	assert.Equal(t, "panic-reset", fresh.Reason)

	complete := requireEvent[ResetCompletePayload](t, events, EventResetComplete)
	assert.Equal(t, 1, complete.DeletedMessages)
	assert.Equal(t, []string{created.Room.ID}, complete.ExpiredRooms)

	// the witness saw the departure and the message scrub
	witnessEvents := drain(t, witness)
	left := requireEvent[UserLeftPayload](t, witnessEvents, EventUserLeft)
	assert.Equal(t, oldID, left.UserID)
	deleted := requireEvent[MessageDeletedPayload](t, witnessEvents, EventMessageDeleted)
	assert.Equal(t, rooms.GeneralRoomID, deleted.RoomID)

	// no server-side trace of the old identity remains
	assert.False(t, gateway.identities.Exists(oldID))
	_, exists := gateway.rooms.Snapshot(created.Room.ID)
	assert.False(t, exists)
	assert.Equal(t, 0, gateway.messages.Count(rooms.GeneralRoomID))

	// the connection survives under the new identity
	dispatch(t, gateway, user, IntentJoinRoom, JoinRoomPayload{RoomID: rooms.GeneralRoomID})
	success := requireEvent[JoinSuccessPayload](t, drain(t, user), EventJoinSuccess)
	assert.Equal(t, rooms.GeneralRoomID, success.Room.ID)
}

func TestDisconnectLeavesRoomsAndCancelsRequests(t *testing.T) {
	gateway, _ := newTestGateway()

	user := connect(t, gateway, "", "")
	userID := identityOf(t, user, drain(t, user)).UserID

	other := connect(t, gateway, "", "")
	otherID := identityOf(t, other, drain(t, other)).UserID

	dispatch(t, gateway, user, IntentJoinRoom, JoinRoomPayload{RoomID: rooms.GeneralRoomID})
	dispatch(t, gateway, other, IntentJoinRoom, JoinRoomPayload{RoomID: rooms.GeneralRoomID})
	dispatch(t, gateway, user, IntentRequestConsent, RequestConsentPayload{TargetUserID: otherID})
	drain(t, user)
	drain(t, other)

	gateway.Disconnect(user)

	assert.Equal(t, 1, gateway.OpenConnections())
	assert.Equal(t, 0, gateway.consent.Pending())

	otherEvents := drain(t, other)
	left := requireEvent[UserLeftPayload](t, otherEvents, EventUserLeft)
	assert.Equal(t, userID, left.UserID)

	cancelled := requireEvent[ConsentResponsePayload](t, otherEvents, EventConsentResponse)
	assert.False(t, cancelled.Accepted)
	assert.Equal(t, "request-cancelled", cancelled.Reason)

	// a second disconnect is a no-op
	gateway.Disconnect(user)
	assert.Equal(t, 1, gateway.OpenConnections())
}

func TestUnknownIntentIsRejected(t *testing.T) {
	gateway, _ := newTestGateway()

	client := connect(t, gateway, "", "")
	drain(t, client)

	gateway.Dispatch(client, &Envelope{Type: "do-something-weird"})

	failure := requireEvent[ErrorPayload](t, drain(t, client), EventError)
	assert.Equal(t, errors.CodeInvalidPayload, failure.Code)
}

func TestPingPong(t *testing.T) {
	gateway, _ := newTestGateway()

	client := connect(t, gateway, "", "")
	drain(t, client)

	dispatch(t, gateway, client, IntentPing, nil)

	events := drain(t, client)
	assert.NotEmpty(t, eventsOfType(events, EventPong))
}

func TestShutdownNotifiesAndClosesEveryConnection(t *testing.T) {
	gateway, _ := newTestGateway()

	first := connect(t, gateway, "", "")
	second := connect(t, gateway, "", "")
	drain(t, first)
	drain(t, second)

	gateway.Shutdown()

	for _, client := range []*Client{first, second} {
		events := drain(t, client)
		assert.NotEmpty(t, eventsOfType(events, EventServerShutdown))

		_, open := <-client.send
		assert.False(t, open)
	}

	assert.Equal(t, 0, gateway.OpenConnections())
}
