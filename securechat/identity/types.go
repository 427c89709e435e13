package identity

import "time"

// authentication outcomes reported to the connecting client
const (
	OutcomeFirstConnection = "first-connection"
	OutcomeRestored        = "restored"
	OutcomeWrongPassword   = "wrong-password"
	OutcomeMissingIdentity = "missing-identity"
	OutcomeLockoutReset    = "auth-lockout-reset"
)

// consecutive failed attempts before the claimed identity is purged
const LockoutThreshold = 3

// Identity is one live pseudonymous user record.
type Identity struct {
	ID             string
	Secret         string // plaintext, set only on the copy handed out at issue/restore
	FailedAttempts int
	CreatedAt      time.Time

	secretHash     []byte
	createdRoomIDs map[string]struct{}
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Identity          *Identity
	Outcome           string
	AttemptsRemaining int

	// set when the claimed identity reached the lockout threshold; the
	// caller must purge it before issuing a replacement
	LockedOutUserID string
}
