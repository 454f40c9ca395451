package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// sessions mints and validates per-origin session tokens for child
// webviews: a token is minted once per (origin, webview) and only ever
// validated against that origin.
type sessions struct {
	mu     sync.Mutex
	tokens map[string]string // token -> origin
}

func newSessions() *sessions {
	return &sessions{tokens: make(map[string]string)}
}

// Mint creates a new session token bound to origin.
func (s *sessions) Mint(origin string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = origin
	s.mu.Unlock()
	return token
}

// Validate reports whether token is a live session bound to origin.
func (s *sessions) Validate(token, origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound, ok := s.tokens[token]
	return ok && bound == origin
}

// Revoke invalidates token.
func (s *sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}
