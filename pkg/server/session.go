package server

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
)

// TokenLength is the size of a session token in bytes.
const TokenLength = 32

// SessionTable maps user ids to their session tokens. It is per-node
// and memory-only: tokens are never replicated, so after a leader
// change clients re-authenticate.
type SessionTable struct {
	mu     sync.RWMutex
	tokens map[uint32][]byte
}

func NewSessionTable() *SessionTable {
	return &SessionTable{tokens: make(map[uint32][]byte)}
}

// NewToken mints a random session token.
func NewToken() ([]byte, error) {
	token := make([]byte, TokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	return token, nil
}

// Install binds a token to a user, replacing any existing session.
func (s *SessionTable) Install(userID uint32, token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = append([]byte(nil), token...)
}

// Validate reports whether token matches the user's current session.
func (s *SessionTable) Validate(userID uint32, token []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, ok := s.tokens[userID]
	if !ok || len(token) != len(current) {
		return false
	}
	return subtle.ConstantTimeCompare(current, token) == 1
}

// Drop removes the user's session, if any.
func (s *SessionTable) Drop(userID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
}
