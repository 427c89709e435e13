package websocket

import (
	"encoding/json"
	"time"

	"codeberg.org/securechat/server/securechat/messages"
	"codeberg.org/securechat/server/securechat/rooms"
)

// client -> server intents. Dispatch is an exhaustive switch over these;
// anything else is rejected.
const (
	IntentCreatePasswordRoom = "create-password-room"
	IntentJoinRoom           = "join-room"
	IntentLeaveRoom          = "leave-room"
	IntentKick               = "kick"
	IntentUpdateDuration     = "update-duration"
	IntentSendMessage        = "send-message"
	IntentEditMessage        = "edit-message"
	IntentDeleteMessage      = "delete-message"
	IntentListRooms          = "list-rooms"
	IntentRequestConsent     = "request-consent"
	IntentRespondConsent     = "respond-consent"
	IntentPanicReset         = "panic-reset"
	IntentPing               = "ping"
)

// server -> client events
const (
	EventIdentityAssigned    = "identity-assigned"
	EventIdentityInvalidated = "identity-invalidated"
	EventRoomCreated         = "room-created"
	EventRoomsList           = "rooms-list"
	EventJoinSuccess         = "join-success"
	EventJoinError           = "join-error"
	EventRoomFull            = "room-full"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventParticipantsUpdated = "participants-updated"
	EventRoomUpdated         = "room-updated"
	EventRoomExpired         = "room-expired"
	EventKicked              = "kicked"
	EventMessageReceived     = "message-received"
	EventMessageEdited       = "message-edited"
	EventMessageDeleted      = "message-deleted"
	EventLoadMessages        = "load-messages"
	EventConsentRequested    = "consent-requested"
	EventConsentRequestSent  = "consent-request-sent"
	EventConsentResponse     = "consent-response"
	EventResetComplete       = "reset-complete"
	EventError               = "error"
	EventPong                = "pong"
	EventServerShutdown      = "server-shutdown"
)

// connection constants
const (
	// time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64 KB

	// outbound queue size per connection
	sendQueueSize = 256

	// sustained intents per minute per connection, and allowed burst
	intentsPerMinute = 60
	intentBurst      = 20
)

// Envelope is the wire frame for both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound frame with an already-marshalable payload
type event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// intent payloads

type CreatePasswordRoomPayload struct {
	DurationMinutes int `json:"durationMinutes"`
	MaxParticipants int `json:"maxParticipants"`
}

type JoinRoomPayload struct {
	RoomID string `json:"sessionId"`
	Secret string `json:"password,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"sessionId"`
}

type KickPayload struct {
	RoomID       string `json:"sessionId"`
	TargetUserID string `json:"targetUserId"`
}

type UpdateDurationPayload struct {
	RoomID          string `json:"sessionId"`
	DurationMinutes int    `json:"durationMinutes"`
}

type SendMessagePayload struct {
	RoomID    string `json:"sessionId"`
	Body      string `json:"content"`
	Encrypted bool   `json:"encrypted,omitempty"`
	IV        string `json:"iv,omitempty"`
}

type EditMessagePayload struct {
	RoomID    string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Body      string `json:"content"`
	Encrypted bool   `json:"encrypted,omitempty"`
	IV        string `json:"iv,omitempty"`
}

type DeleteMessagePayload struct {
	RoomID    string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type RequestConsentPayload struct {
	TargetUserID  string `json:"targetUserId"`
	OpaquePayload string `json:"opaquePayload,omitempty"`
}

type RespondConsentPayload struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
}

// event payloads

type IdentityAssignedPayload struct {
	UserID            string `json:"userId"`
	Secret            string `json:"secret,omitempty"`
	Reason            string `json:"reason"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

type RoomCreatedPayload struct {
	Room     *rooms.View `json:"session"`
	Password string      `json:"password"`
	Link     string      `json:"link"`
}

type RoomsListPayload struct {
	Rooms []*rooms.View `json:"sessions"`
}

type JoinSuccessPayload struct {
	Room     *rooms.View         `json:"session"`
	Messages []*messages.Message `json:"messages"`
}

type JoinErrorPayload struct {
	RoomID  string `json:"sessionId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type UserJoinedPayload struct {
	RoomID string `json:"sessionId"`
	UserID string `json:"userId"`
}

type UserLeftPayload struct {
	RoomID string `json:"sessionId"`
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type ParticipantsUpdatedPayload struct {
	RoomID           string   `json:"sessionId"`
	ParticipantCount int      `json:"participantCount"`
	Participants     []string `json:"participants"`
}

type RoomUpdatedPayload struct {
	Room *rooms.View `json:"session"`
}

type RoomExpiredPayload struct {
	RoomID string `json:"sessionId"`
	Reason string `json:"reason"`
}

type KickedPayload struct {
	RoomID string `json:"sessionId"`
}

type MessageDeletedPayload struct {
	RoomID    string `json:"sessionId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Reason    string `json:"reason,omitempty"`
}

type LoadMessagesPayload struct {
	RoomID   string              `json:"sessionId"`
	Messages []*messages.Message `json:"messages"`
}

type ConsentRequestedPayload struct {
	RequestID     string `json:"requestId"`
	FromUserID    string `json:"fromUserId"`
	OpaquePayload string `json:"opaquePayload,omitempty"`
	TTLSeconds    int    `json:"ttlSeconds"`
}

type ConsentRequestSentPayload struct {
	RequestID    string `json:"requestId"`
	TargetUserID string `json:"targetUserId"`
	TTLSeconds   int    `json:"ttlSeconds"`
}

type ConsentResponsePayload struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
	RoomID    string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ResetCompletePayload struct {
	DeletedMessages int      `json:"deletedMessages"`
	ExpiredRooms    []string `json:"expiredSessions"`
}

type RoomFullPayload struct {
	RoomID string `json:"sessionId"`
}

type IdentityInvalidatedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerShutdownPayload struct {
	Reason string `json:"reason"`
}
