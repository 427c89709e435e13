// Package identity issues and authenticates the rotating pseudonymous
// identities bound to websocket connections.
package identity

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"codeberg.org/securechat/server/internal/clock"
	"codeberg.org/securechat/server/internal/ident"
)

// Registry owns all live identity records.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	clock      clock.Clock
}

func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		identities: make(map[string]*Identity),
		clock:      clk,
	}
}

// Issue creates a fresh identity with a new id and secret. It never fails.
func (r *Registry) Issue() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issueLocked()
}

func (r *Registry) issueLocked() *Identity {
	id := ident.NewUserID()
	for _, taken := r.identities[id]; taken; _, taken = r.identities[id] {
		id = ident.NewUserID()
	}

	secret := ident.NewSecret()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		// only reachable with an invalid cost
		panic(err)
	}

	identity := &Identity{
		ID:             id,
		CreatedAt:      r.clock.Now(),
		secretHash:     hash,
		createdRoomIDs: make(map[string]struct{}),
	}
	r.identities[id] = identity

	// only the returned copy carries the plaintext; the retained record
	// keeps the hash alone
	issued := *identity
	issued.Secret = secret

	return &issued
}

// Authenticate resolves a connect-time identity claim. An empty candidate id
// issues a fresh identity; a known id with the right secret restores it; a
// known id with a wrong or missing secret counts one failure and issues a
// replacement, leaving the failing record in place until the lockout
// threshold is reached. At the threshold the result carries LockedOutUserID
// and no identity: the caller purges the old record, then issues the
// replacement itself.
func (r *Registry) Authenticate(candidateID, candidateSecret string) *AuthResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if candidateID == "" {
		return &AuthResult{
			Identity:          r.issueLocked(),
			Outcome:           OutcomeFirstConnection,
			AttemptsRemaining: LockoutThreshold,
		}
	}

	existing, known := r.identities[candidateID]
	if !known {
		return &AuthResult{
			Identity:          r.issueLocked(),
			Outcome:           OutcomeMissingIdentity,
			AttemptsRemaining: LockoutThreshold,
		}
	}

	if candidateSecret != "" &&
		bcrypt.CompareHashAndPassword(existing.secretHash, []byte(candidateSecret)) == nil {
		existing.FailedAttempts = 0

		restored := *existing
		restored.Secret = candidateSecret

		return &AuthResult{
			Identity:          &restored,
			Outcome:           OutcomeRestored,
			AttemptsRemaining: LockoutThreshold,
		}
	}

	existing.FailedAttempts++
	remaining := LockoutThreshold - existing.FailedAttempts
	if remaining < 0 {
		remaining = 0
	}

	if existing.FailedAttempts >= LockoutThreshold {
		return &AuthResult{
			Outcome:           OutcomeLockoutReset,
			AttemptsRemaining: 0,
			LockedOutUserID:   existing.ID,
		}
	}

	outcome := OutcomeWrongPassword
	if candidateSecret == "" {
		outcome = OutcomeMissingIdentity
	}

	return &AuthResult{
		Identity:          r.issueLocked(),
		Outcome:           outcome,
		AttemptsRemaining: remaining,
	}
}

// Remove deletes an identity record. Safe to call for unknown ids.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, userID)
}

// Exists reports whether a live record exists for userID.
func (r *Registry) Exists(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.identities[userID]
	return ok
}

// TrackCreatedRoom records that userID created roomID.
func (r *Registry) TrackCreatedRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity, ok := r.identities[userID]; ok {
		identity.createdRoomIDs[roomID] = struct{}{}
	}
}

// UntrackRoom forgets a room from every identity's created set.
func (r *Registry) UntrackRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, identity := range r.identities {
		delete(identity.createdRoomIDs, roomID)
	}
}

// CreatedRooms returns the ids of rooms created by userID.
func (r *Registry) CreatedRooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[userID]
	if !ok {
		return nil
	}

	rooms := make([]string, 0, len(identity.createdRoomIDs))
	for roomID := range identity.createdRoomIDs {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Count returns the number of live identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}
