package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/securechat/server/internal/clock"
)

func newTestRegistry() *Registry {
	return NewRegistry(clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestIssueCreatesDistinctIdentities(t *testing.T) {
	registry := newTestRegistry()

	first := registry.Issue()
	second := registry.Issue()

	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.True(t, strings.HasPrefix(first.ID, "user_"))
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEmpty(t, first.Secret)
	assert.NotEqual(t, first.Secret, second.Secret)
	assert.Equal(t, 2, registry.Count())
}

func TestAuthenticateEmptyClaimIssuesFirstConnection(t *testing.T) {
	registry := newTestRegistry()

	result := registry.Authenticate("", "")

	require.NotNil(t, result.Identity)
	assert.Equal(t, OutcomeFirstConnection, result.Outcome)
	assert.Equal(t, LockoutThreshold, result.AttemptsRemaining)
	assert.Empty(t, result.LockedOutUserID)
}

func TestAuthenticateRestoresWithCorrectSecret(t *testing.T) {
	registry := newTestRegistry()
	issued := registry.Issue()

	result := registry.Authenticate(issued.ID, issued.Secret)

	require.NotNil(t, result.Identity)
	assert.Equal(t, OutcomeRestored, result.Outcome)
	assert.Equal(t, issued.ID, result.Identity.ID)
	assert.Equal(t, 1, registry.Count())
}

func TestAuthenticateUnknownIDIssuesReplacement(t *testing.T) {
	registry := newTestRegistry()

	result := registry.Authenticate("user_gone1", "whatever")

	require.NotNil(t, result.Identity)
	assert.Equal(t, OutcomeMissingIdentity, result.Outcome)
	assert.NotEqual(t, "user_gone1", result.Identity.ID)
}

func TestAuthenticateWrongSecretIssuesReplacementAndCounts(t *testing.T) {
	registry := newTestRegistry()
	issued := registry.Issue()

	result := registry.Authenticate(issued.ID, "not-the-secret")

	require.NotNil(t, result.Identity)
	assert.Equal(t, OutcomeWrongPassword, result.Outcome)
	assert.Equal(t, LockoutThreshold-1, result.AttemptsRemaining)
	assert.NotEqual(t, issued.ID, result.Identity.ID)

	// the claimed identity survives the failed attempt
	assert.True(t, registry.Exists(issued.ID))
}

func TestAuthenticateMissingSecretForKnownID(t *testing.T) {
	registry := newTestRegistry()
	issued := registry.Issue()

	result := registry.Authenticate(issued.ID, "")

	require.NotNil(t, result.Identity)
	assert.Equal(t, OutcomeMissingIdentity, result.Outcome)
	assert.Equal(t, LockoutThreshold-1, result.AttemptsRemaining)
}

func TestAuthenticateLockoutOnThirdFailure(t *testing.T) {
	registry := newTestRegistry()
	issued := registry.Issue()

	first := registry.Authenticate(issued.ID, "wrong")
	assert.Equal(t, 2, first.AttemptsRemaining)

	second := registry.Authenticate(issued.ID, "wrong")
	assert.Equal(t, 1, second.AttemptsRemaining)

	third := registry.Authenticate(issued.ID, "wrong")
	assert.Nil(t, third.Identity)
	assert.Equal(t, OutcomeLockoutReset, third.Outcome)
	assert.Equal(t, 0, third.AttemptsRemaining)
	assert.Equal(t, issued.ID, third.LockedOutUserID)
}

func TestAuthenticateSuccessResetsFailureCount(t *testing.T) {
	registry := newTestRegistry()
	issued := registry.Issue()

	registry.Authenticate(issued.ID, "wrong")
	registry.Authenticate(issued.ID, "wrong")

	restored := registry.Authenticate(issued.ID, issued.Secret)
	assert.Equal(t, OutcomeRestored, restored.Outcome)

	// the counter starts over after a successful restore
	first := registry.Authenticate(issued.ID, "wrong")
	assert.Equal(t, 2, first.AttemptsRemaining)
}

func TestRemoveIsSafeForUnknownID(t *testing.T) {
	registry := newTestRegistry()

	registry.Remove("user_nope1")

	issued := registry.Issue()
	registry.Remove(issued.ID)
	assert.False(t, registry.Exists(issued.ID))
}

func TestTrackAndUntrackCreatedRooms(t *testing.T) {
	registry := newTestRegistry()
	issued := registry.Issue()

	registry.TrackCreatedRoom(issued.ID, "private_aaaaaaaaaa")
	registry.TrackCreatedRoom(issued.ID, "private_bbbbbbbbbb")
	assert.ElementsMatch(t,
		[]string{"private_aaaaaaaaaa", "private_bbbbbbbbbb"},
		registry.CreatedRooms(issued.ID),
	)

	registry.UntrackRoom("private_aaaaaaaaaa")
	assert.ElementsMatch(t, []string{"private_bbbbbbbbbb"}, registry.CreatedRooms(issued.ID))

	// tracking against an unknown identity is a no-op
	registry.TrackCreatedRoom("user_nope1", "private_cccccccccc")
	assert.Nil(t, registry.CreatedRooms("user_nope1"))
}

func TestRegistryNeverRetainsPlaintextSecret(t *testing.T) {
	registry := newTestRegistry()

	issued := registry.Issue()
	require.NotEmpty(t, issued.Secret)

	// the retained record holds the hash only
	stored := registry.identities[issued.ID]
	require.NotNil(t, stored)
	assert.Empty(t, stored.Secret)
	assert.NotEmpty(t, stored.secretHash)

	restored := registry.Authenticate(issued.ID, issued.Secret)
	require.NotNil(t, restored.Identity)
	assert.Equal(t, issued.Secret, restored.Identity.Secret)
	assert.Empty(t, registry.identities[issued.ID].Secret)
}
