package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// JoinRole restricts what a JoinToken is allowed to admit a new node as.
type JoinRole string

const (
	// JoinRoleStorage admits a node that will hold partitions and blocks.
	JoinRoleStorage JoinRole = "storage"
	// JoinRoleGateway admits a node that only serves the S3 API, holding
	// no partitions of its own.
	JoinRoleGateway JoinRole = "gateway"
)

// JoinToken is a single-use-cluster, time-bounded credential a new node
// presents to be added to the layout.
type JoinToken struct {
	Token     string
	Role      JoinRole
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenManager tracks outstanding join tokens in memory. Tokens are
// deliberately not persisted to the kv store: they exist only to bridge
// the short window between an operator minting one and the new node
// using it to complete its first handshake, and losing them on restart
// just means re-minting, not a correctness issue.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// NewTokenManager returns an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// Generate mints a new token for role, valid for ttl.
func (tm *TokenManager) Generate(role JoinRole, ttl time.Duration) (*JoinToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("cluster: failed to generate join token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(buf),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()
	return jt, nil
}

// Validate checks a presented token and, if it is still live, returns the
// role it admits. The token is not consumed: a single token may admit
// several nodes within its lifetime, e.g. when bootstrapping a batch of
// storage nodes at once.
func (tm *TokenManager) Validate(token string) (JoinRole, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, ok := tm.tokens[token]
	if !ok {
		return "", fmt.Errorf("cluster: unknown join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("cluster: join token expired")
	}
	return jt.Role, nil
}

// Revoke invalidates a token immediately, regardless of its expiry.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// List returns every token that has not yet expired.
func (tm *TokenManager) List() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	now := time.Now()
	out := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		if now.Before(jt.ExpiresAt) {
			out = append(out, jt)
		}
	}
	return out
}

// cleanupExpired drops tokens past their expiry, bounding the map's
// growth on a long-running manager node.
func (tm *TokenManager) cleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
