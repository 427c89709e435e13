// Package rooms owns the lifecycle of every chat room: the permanent
// public room plus ephemeral private rooms with duration and empty-grace
// expiry timers.
package rooms

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"codeberg.org/securechat/server/internal/clock"
	"codeberg.org/securechat/server/internal/errors"
	"codeberg.org/securechat/server/internal/ident"
)

// Registry owns all rooms and their timers. Expiry decisions are delegated
// to the configured ExpireFunc so the gateway can serialize them with
// client-triggered operations.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	timers   map[string]*timers
	clock    clock.Clock
	sched    clock.Scheduler
	expireFn ExpireFunc
	linkBase string
	sockURL  string
}

func NewRegistry(clk clock.Clock, sched clock.Scheduler, linkBase, socketURL string) *Registry {
	r := &Registry{
		rooms:    make(map[string]*room),
		timers:   make(map[string]*timers),
		clock:    clk,
		sched:    sched,
		expireFn: func(string, string) {},
		linkBase: linkBase,
		sockURL:  socketURL,
	}

	r.initGeneralRoom()

	return r
}

// SetExpireFunc installs the timer-fire callback. Must be called before any
// room is created; the gateway does this during wiring.
func (r *Registry) SetExpireFunc(fn ExpireFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireFn = fn
}

func (r *Registry) initGeneralRoom() {
	r.rooms[GeneralRoomID] = &room{
		id:         GeneralRoomID,
		kind:       KindPublic,
		mode:       ModeGeneral,
		joinPolicy: JoinOpen,
		createdAt:  r.clock.Now(),
		link:       r.buildLink(GeneralRoomID),
		members:    make(map[string]string),
	}
}

func (r *Registry) buildLink(roomID string) string {
	params := url.Values{}
	params.Set("session", roomID)

	if r.sockURL != "" {
		params.Set("socketUrl", r.sockURL)
	}

	if r.linkBase != "" {
		return fmt.Sprintf("%s/?%s", r.linkBase, params.Encode())
	}
	return "/?" + params.Encode()
}

func (r *Registry) newRoomID() string {
	id := ident.NewRoomID()
	for _, taken := r.rooms[id]; taken; _, taken = r.rooms[id] {
		id = ident.NewRoomID()
	}
	return id
}

// CreatePasswordRoom creates a private room guarded by a generated
// 8-character password and schedules its duration expiry.
func (r *Registry) CreatePasswordRoom(creatorID string, durationMinutes, maxParticipants int) (*View, error) {
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return nil, errors.New(errors.CodeInvalidDuration, "Invalid duration. Use 5 to 1440 minutes.")
	}

	if maxParticipants < MinParticipants || maxParticipants > MaxParticipants {
		return nil, errors.New(errors.CodeInvalidMaxParticipants, "Invalid participant limit. Use 2 to 50.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	duration := time.Duration(durationMinutes) * time.Minute

	rm := &room{
		id:              r.newRoomID(),
		kind:            KindPrivate,
		mode:            ModeCustom,
		joinPolicy:      JoinPassword,
		maxParticipants: maxParticipants,
		durationMinutes: durationMinutes,
		secret:          ident.NewPassword(),
		creatorID:       creatorID,
		createdAt:       now,
		expiresAt:       now.Add(duration),
		members:         make(map[string]string),
	}
	rm.link = r.buildLink(rm.id)

	r.rooms[rm.id] = rm
	r.scheduleExpiryLocked(rm.id, duration)

	return r.viewLocked(rm, true), nil
}

// CreateConsentRoom creates the fixed-shape direct room for two identities
// that completed the consent handshake. Only they may ever join.
func (r *Registry) CreateConsentRoom(requesterID, targetID string) (*View, error) {
	if requesterID == "" || targetID == "" || requesterID == targetID {
		return nil, errors.New(errors.CodeInvalidTarget, "Invalid consent room parties.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	duration := ConsentRoomDurationMinutes * time.Minute

	rm := &room{
		id:              r.newRoomID(),
		kind:            KindPrivate,
		mode:            ModeDirect,
		joinPolicy:      JoinConsent,
		maxParticipants: ConsentRoomParticipants,
		durationMinutes: ConsentRoomDurationMinutes,
		creatorID:       requesterID,
		createdAt:       now,
		expiresAt:       now.Add(duration),
		members:         make(map[string]string),
		allowedUsers: map[string]struct{}{
			requesterID: {},
			targetID:    {},
		},
	}
	rm.link = r.buildLink(rm.id)

	r.rooms[rm.id] = rm
	r.scheduleExpiryLocked(rm.id, duration)

	return r.viewLocked(rm, false), nil
}

// Join adds a connection to a room. Joining is idempotent per
// (room, connection) and clears any pending empty-grace timer.
func (r *Registry) Join(roomID, connectionID, userID, suppliedSecret string) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, errors.New(errors.CodeSessionNotFound, "Session not found.")
	}

	if rm.allowedUsers != nil {
		if _, allowed := rm.allowedUsers[userID]; !allowed {
			return nil, errors.New(errors.CodeForbidden, "You are not invited to this session.")
		}
	}

	if rm.joinPolicy == JoinPassword && rm.secret != suppliedSecret {
		return nil, errors.New(errors.CodeWrongPassword, "Wrong password.")
	}

	if rm.maxParticipants > 0 {
		if _, already := rm.members[connectionID]; !already {
			users := rm.distinctUsers()

			alreadyUser := false
			for _, u := range users {
				if u == userID {
					alreadyUser = true
					break
				}
			}

			if !alreadyUser && len(users) >= rm.maxParticipants {
				return nil, errors.New(errors.CodeSessionFull, "Session is full.")
			}
		}
	}

	rm.members[connectionID] = userID
	r.clearEmptyTimerLocked(roomID)

	return r.viewLocked(rm, false), nil
}

// Leave removes a connection from a room and returns the user id it was
// mapped to. An empty private room starts the grace timer.
func (r *Registry) Leave(roomID, connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}

	userID, member := rm.members[connectionID]
	if !member {
		return "", false
	}

	delete(rm.members, connectionID)

	if rm.kind == KindPrivate && len(rm.members) == 0 {
		r.scheduleEmptyExpiryLocked(roomID)
	}

	return userID, true
}

// Kick removes every connection of targetUserID from the room. Only the
// room creator may kick, and never themselves.
func (r *Registry) Kick(roomID, actingUserID, targetUserID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, errors.New(errors.CodeSessionNotFound, "Session not found.")
	}

	if rm.permanent() || rm.creatorID == "" || rm.creatorID != actingUserID {
		return nil, errors.New(errors.CodeForbidden, "Only the session creator can kick.")
	}

	if targetUserID == actingUserID {
		return nil, errors.New(errors.CodeForbidden, "You cannot kick yourself.")
	}

	var removed []string
	for connID, userID := range rm.members {
		if userID == targetUserID {
			removed = append(removed, connID)
		}
	}

	if len(removed) == 0 {
		return nil, errors.New(errors.CodeNotInSession, "User is not in this session.")
	}

	for _, connID := range removed {
		delete(rm.members, connID)
	}

	if rm.kind == KindPrivate && len(rm.members) == 0 {
		r.scheduleEmptyExpiryLocked(roomID)
	}

	return removed, nil
}

// UpdateDuration recomputes the room's expiry from now and reschedules the
// duration timer. Creator-only; the permanent room cannot be updated.
func (r *Registry) UpdateDuration(roomID, actingUserID string, newDurationMinutes int) (*View, error) {
	if newDurationMinutes < MinDurationMinutes || newDurationMinutes > MaxDurationMinutes {
		return nil, errors.New(errors.CodeInvalidDuration, "Invalid duration. Use 5 to 1440 minutes.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, errors.New(errors.CodeSessionNotFound, "Session not found.")
	}

	if rm.permanent() {
		return nil, errors.New(errors.CodeForbidden, "The public session cannot be updated.")
	}

	if rm.creatorID == "" || rm.creatorID != actingUserID {
		return nil, errors.New(errors.CodeForbidden, "Only the session creator can update the duration.")
	}

	duration := time.Duration(newDurationMinutes) * time.Minute
	rm.durationMinutes = newDurationMinutes
	rm.expiresAt = r.clock.Now().Add(duration)
	r.scheduleExpiryLocked(roomID, duration)

	return r.viewLocked(rm, false), nil
}

// Expire removes a room, cancels its timers and returns the pre-removal
// membership snapshot. Idempotent: expired or permanent rooms return nil.
func (r *Registry) Expire(roomID, reason string) *ExpiredRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(roomID, reason)
}

func (r *Registry) expireLocked(roomID, reason string) *ExpiredRoom {
	rm, ok := r.rooms[roomID]
	if !ok || rm.permanent() {
		return nil
	}

	// A timer callback can be in flight when the condition that armed it is
	// undone: Stop reports false once the callback has fired, even if it is
	// still waiting on the gateway mutex. Timer-driven reasons therefore
	// re-check the condition here instead of trusting the firing.
	switch reason {
	case ReasonEmptySession:
		if len(rm.members) > 0 {
			return nil
		}
	case ReasonDurationReached:
		if rm.expiresAt.After(r.clock.Now()) {
			return nil
		}
	}

	members := make([]Member, 0, len(rm.members))
	for connID, userID := range rm.members {
		members = append(members, Member{ConnectionID: connID, UserID: userID})
	}

	view := r.viewLocked(rm, false)

	r.clearExpiryTimerLocked(roomID)
	r.clearEmptyTimerLocked(roomID)
	delete(r.timers, roomID)
	delete(r.rooms, roomID)

	return &ExpiredRoom{Reason: reason, Members: members, View: view}
}

// ExpireAllByCreator expires every non-permanent room owned by creatorID.
func (r *Registry) ExpireAllByCreator(creatorID, reason string) []*ExpiredRoom {
	if creatorID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, rm := range r.rooms {
		if !rm.permanent() && rm.creatorID == creatorID {
			ids = append(ids, id)
		}
	}

	var expired []*ExpiredRoom
	for _, id := range ids {
		if snapshot := r.expireLocked(id, reason); snapshot != nil {
			expired = append(expired, snapshot)
		}
	}

	return expired
}

// SweepExpired reports every overdue room to the ExpireFunc. It is the
// safety net behind the per-room timers.
func (r *Registry) SweepExpired() {
	r.mu.RLock()

	now := r.clock.Now()
	var overdue []string

	for id, rm := range r.rooms {
		if !rm.permanent() && !rm.expiresAt.After(now) {
			overdue = append(overdue, id)
		}
	}

	fn := r.expireFn
	r.mu.RUnlock()

	for _, id := range overdue {
		fn(id, ReasonDurationReached)
	}
}

// RemoveUserFromAllRooms strips every connection of userID out of every
// room, starting grace timers for rooms left empty. Used by identity purge.
func (r *Registry) RemoveUserFromAllRooms(userID string) []struct{ RoomID, ConnectionID string } {
	if userID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []struct{ RoomID, ConnectionID string }

	for id, rm := range r.rooms {
		for connID, memberUserID := range rm.members {
			if memberUserID != userID {
				continue
			}

			delete(rm.members, connID)
			removed = append(removed, struct{ RoomID, ConnectionID string }{id, connID})
		}

		if rm.kind == KindPrivate && len(rm.members) == 0 {
			r.scheduleEmptyExpiryLocked(id)
		}
	}

	return removed
}

// ListFor returns the rooms visible to userID: the permanent room plus
// every private room where the user is creator or member. General sorts
// first, the rest newest-created first.
func (r *Registry) ListFor(userID string) []*View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var views []*View

	for _, rm := range r.rooms {
		if rm.id != GeneralRoomID && !r.visibleToLocked(rm, userID) {
			continue
		}
		views = append(views, r.viewLocked(rm, false))
	}

	sort.Slice(views, func(i, j int) bool { return viewLess(views[i], views[j]) })

	return views
}

func (r *Registry) visibleToLocked(rm *room, userID string) bool {
	if userID == "" {
		return false
	}

	if rm.creatorID == userID {
		return true
	}

	if rm.allowedUsers != nil {
		if _, ok := rm.allowedUsers[userID]; ok {
			return true
		}
	}

	for _, memberUserID := range rm.members {
		if memberUserID == userID {
			return true
		}
	}

	return false
}

func viewLess(a, b *View) bool {
	if a.ID == GeneralRoomID {
		return true
	}
	if b.ID == GeneralRoomID {
		return false
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Snapshot returns the client view of a room.
func (r *Registry) Snapshot(roomID string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r.viewLocked(rm, false), true
}

// CreatorOf returns the creator of a room, if any.
func (r *Registry) CreatorOf(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return rm.creatorID, rm.creatorID != ""
}

// ParticipantUserID maps a connection in a room back to its user id.
func (r *Registry) ParticipantUserID(roomID, connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}

	userID, member := rm.members[connectionID]
	return userID, member
}

// MemberConnections returns every connection id currently in the room.
func (r *Registry) MemberConnections(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}

	conns := make([]string, 0, len(rm.members))
	for connID := range rm.members {
		conns = append(conns, connID)
	}
	return conns
}

// Count returns the number of live rooms, the permanent one included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) viewLocked(rm *room, includeSensitive bool) *View {
	users := rm.distinctUsers()

	view := &View{
		ID:               rm.id,
		Kind:             rm.kind,
		Mode:             rm.mode,
		Persistent:       rm.permanent(),
		MaxParticipants:  rm.maxParticipants,
		DurationMinutes:  rm.durationMinutes,
		CreatedAt:        rm.createdAt,
		Link:             rm.link,
		ParticipantCount: len(users),
		Participants:     users,
	}

	if !rm.permanent() {
		expiresAt := rm.expiresAt
		view.ExpiresAt = &expiresAt
	}

	if includeSensitive {
		view.Password = rm.secret
	}

	return view
}

func (r *Registry) timersFor(roomID string) *timers {
	t, ok := r.timers[roomID]
	if !ok {
		t = &timers{}
		r.timers[roomID] = t
	}
	return t
}

func (r *Registry) scheduleExpiryLocked(roomID string, d time.Duration) {
	r.clearExpiryTimerLocked(roomID)

	fn := r.expireFn
	r.timersFor(roomID).expiry = r.sched.AfterFunc(d, func() {
		fn(roomID, ReasonDurationReached)
	})
}

func (r *Registry) scheduleEmptyExpiryLocked(roomID string) {
	r.clearEmptyTimerLocked(roomID)

	fn := r.expireFn
	r.timersFor(roomID).empty = r.sched.AfterFunc(EmptyGracePeriod, func() {
		fn(roomID, ReasonEmptySession)
	})
}

func (r *Registry) clearExpiryTimerLocked(roomID string) {
	if t, ok := r.timers[roomID]; ok && t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
}

func (r *Registry) clearEmptyTimerLocked(roomID string) {
	if t, ok := r.timers[roomID]; ok && t.empty != nil {
		t.empty.Stop()
		t.empty = nil
	}
}
