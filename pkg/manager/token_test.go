package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManagerValidateRoundTrip(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken("observer", time.Hour)
	require.NoError(t, err)

	role, err := tm.ValidateToken(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, "observer", role)
}

func TestTokenManagerRejectsUnknownAndExpiredTokens(t *testing.T) {
	tm := NewTokenManager()

	_, err := tm.ValidateToken("nonexistent")
	assert.Error(t, err)

	jt, err := tm.GenerateToken("observer", -time.Second)
	require.NoError(t, err)
	_, err = tm.ValidateToken(jt.Token)
	assert.Error(t, err)
}

func TestTokenManagerDowngradesVotersPastCap(t *testing.T) {
	tm := NewTokenManager()

	for i := 0; i < maxVoters; i++ {
		jt, err := tm.GenerateToken("voter", time.Hour)
		require.NoError(t, err)
		require.Equal(t, "voter", jt.Role)
	}

	overflow, err := tm.GenerateToken("voter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "observer", overflow.Role, "a voter request past maxVoters must be downgraded to observer")
}

func TestTokenManagerRevokeFreesVoterSlot(t *testing.T) {
	tm := NewTokenManager()

	var tokens []*JoinToken
	for i := 0; i < maxVoters; i++ {
		jt, err := tm.GenerateToken("voter", time.Hour)
		require.NoError(t, err)
		tokens = append(tokens, jt)
	}

	tm.RevokeToken(tokens[0].Token)

	jt, err := tm.GenerateToken("voter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "voter", jt.Role, "revoking a voter token should free its slot for a new voter")
}
