package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/metrics"
)

// TokenStore maps single-sign-on tokens to session identifiers. Tokens are
// single use: Redeem removes the token atomically, so concurrent redemptions
// of one token succeed at most once.
type TokenStore interface {
	// Issue creates or replaces the token for sessionID with the given TTL.
	Issue(ctx context.Context, sessionID string, ttl time.Duration) (string, error)
	// Redeem pops the token. ok is false for unknown or expired tokens.
	Redeem(ctx context.Context, token string) (sessionID string, ok bool, err error)
}

// TokenFor derives the SSO token of a session. The session identifier is the
// secret; the token is a one-way digest of it.
func TokenFor(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}

// MemoryTokens is an in-process TokenStore.
type MemoryTokens struct {
	clock clock.Clock

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

type tokenEntry struct {
	sessionID string
	timer     clock.Timer
}

// NewMemoryTokens creates an in-process token table.
func NewMemoryTokens(clk clock.Clock) *MemoryTokens {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryTokens{
		clock:  clk,
		tokens: make(map[string]*tokenEntry),
	}
}

// Issue implements TokenStore.
func (m *MemoryTokens) Issue(_ context.Context, sessionID string, ttl time.Duration) (string, error) {
	token := TokenFor(sessionID)
	entry := &tokenEntry{sessionID: sessionID}

	m.mu.Lock()
	if old, ok := m.tokens[token]; ok && old.timer != nil {
		old.timer.Stop()
	}
	m.tokens[token] = entry
	m.mu.Unlock()

	timer := m.clock.AfterFunc(ttl, func() { m.drop(token, entry) })
	m.mu.Lock()
	entry.timer = timer
	m.mu.Unlock()

	metrics.Get().SSOTokens.WithLabelValues("issued").Inc()
	return token, nil
}

// Redeem implements TokenStore.
func (m *MemoryTokens) Redeem(_ context.Context, token string) (string, bool, error) {
	m.mu.Lock()
	entry, ok := m.tokens[token]
	if ok {
		delete(m.tokens, token)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	m.mu.Unlock()

	if !ok {
		metrics.Get().SSOTokens.WithLabelValues("rejected").Inc()
		return "", false, nil
	}
	metrics.Get().SSOTokens.WithLabelValues("redeemed").Inc()
	return entry.sessionID, true, nil
}

// Len returns the number of live tokens.
func (m *MemoryTokens) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// drop removes token only if it still maps to entry, so an expired timer
// cannot delete a token that was reissued in the meantime.
func (m *MemoryTokens) drop(token string, entry *tokenEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tokens[token]; ok && cur == entry {
		delete(m.tokens, token)
		metrics.Get().SSOTokens.WithLabelValues("expired").Inc()
	}
}
