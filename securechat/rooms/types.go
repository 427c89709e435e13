package rooms

import (
	"time"

	"codeberg.org/securechat/server/internal/clock"
)

// room kinds
const (
	KindPublic  = "public"
	KindPrivate = "private"
)

// room modes
const (
	ModeGeneral = "general"
	ModeCustom  = "custom"
	ModeDirect  = "direct"
)

// join policies
const (
	JoinOpen     = "open"
	JoinPassword = "password"
	JoinConsent  = "consent"
)

// expiry reasons
const (
	ReasonDurationReached = "duration-reached"
	ReasonEmptySession    = "empty-session"
)

const (
	// the single permanent public room
	GeneralRoomID = "general"

	// duration bounds for password rooms, in minutes
	MinDurationMinutes = 5
	MaxDurationMinutes = 1440

	// participant cap bounds for password rooms
	MinParticipants = 2
	MaxParticipants = 50

	// fixed shape of consent rooms
	ConsentRoomDurationMinutes = 60
	ConsentRoomParticipants    = 2

	// how long an empty private room survives before auto-expiry
	EmptyGracePeriod = 60 * time.Second
)

type room struct {
	id              string
	kind            string
	mode            string
	joinPolicy      string
	maxParticipants int // 0 = unlimited
	durationMinutes int // 0 = permanent
	secret          string
	creatorID       string
	createdAt       time.Time
	expiresAt       time.Time // zero = permanent
	link            string

	// connection id -> user id; one user may hold several connections
	members map[string]string

	// fixed at creation for consent rooms, nil otherwise
	allowedUsers map[string]struct{}
}

// distinct user ids currently in the room
func (r *room) distinctUsers() []string {
	seen := make(map[string]struct{}, len(r.members))
	users := make([]string, 0, len(r.members))

	for _, userID := range r.members {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}

	return users
}

func (r *room) permanent() bool {
	return r.expiresAt.IsZero()
}

// View is the client-facing projection of a room. The password is included
// only in the creator's room-created response.
type View struct {
	ID               string     `json:"id"`
	Kind             string     `json:"type"`
	Mode             string     `json:"mode"`
	Persistent       bool       `json:"persistent"`
	MaxParticipants  int        `json:"maxParticipants,omitempty"`
	DurationMinutes  int        `json:"durationMinutes,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	Link             string     `json:"link"`
	ParticipantCount int        `json:"participantCount"`
	Participants     []string   `json:"participants"`
	Password         string     `json:"password,omitempty"`
}

// Member is one (connection, user) pair captured at expiry time.
type Member struct {
	ConnectionID string
	UserID       string
}

// ExpiredRoom is the pre-removal snapshot handed to the gateway so it can
// notify members and clean up connection state.
type ExpiredRoom struct {
	Reason  string
	Members []Member
	View    *View
}

// ExpireFunc is invoked when a room timer decides the room should expire.
// The callback must route back through Expire, which is idempotent.
type ExpireFunc func(roomID, reason string)

type timers struct {
	expiry clock.Timer
	empty  clock.Timer
}
