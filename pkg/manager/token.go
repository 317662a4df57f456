package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// maxVoters bounds how many outstanding voter-role join tokens the
// metadata log admits at once. Every voter is a full Raft member, so an
// unbounded voter count turns each membership change into a bigger
// quorum to coordinate; requests past the cap are downgraded to observer
// tokens instead of refused outright.
const maxVoters = 7

// TokenManager mints and tracks join tokens for the metadata log's Raft
// cluster (C8). A node presents a token to Join under the suffrage role
// ("voter" or "observer") it was minted for.
type TokenManager struct {
	tokens       map[string]*JoinToken
	activeVoters int
	mu           sync.RWMutex
}

// JoinToken grants a node permission to join the metadata log cluster
// under a fixed suffrage role until it expires.
type JoinToken struct {
	Token     string
	Role      string // "voter" or "observer"
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*JoinToken),
	}
}

// GenerateToken mints a join token for role, valid for duration. A
// "voter" request is downgraded to "observer" once activeVoters reaches
// maxVoters.
func (tm *TokenManager) GenerateToken(role string, duration time.Duration) (*JoinToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}
	token := hex.EncodeToString(bytes)

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if role == "voter" && tm.activeVoters >= maxVoters {
		role = "observer"
	}

	jt := &JoinToken{
		Token:     token,
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}
	tm.tokens[token] = jt
	if role == "voter" {
		tm.activeVoters++
	}
	return jt, nil
}

// ValidateToken validates a join token and returns its role.
func (tm *TokenManager) ValidateToken(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, exists := tm.tokens[token]
	if !exists {
		return "", fmt.Errorf("invalid token")
	}

	if time.Now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("token expired")
	}

	return jt.Role, nil
}

// RevokeToken revokes a join token, releasing the voter slot it held, if
// any.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if jt, ok := tm.tokens[token]; ok && jt.Role == "voter" {
		tm.activeVoters--
	}
	delete(tm.tokens, token)
}

// CleanupExpiredTokens removes expired tokens, releasing any voter slots
// they held.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			if jt.Role == "voter" {
				tm.activeVoters--
			}
			delete(tm.tokens, token)
		}
	}
}

// ListTokens returns all active tokens.
func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		tokens = append(tokens, jt)
	}

	return tokens
}
