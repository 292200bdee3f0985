package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/jrsteele09/go-oauth-dance/autherr"
)

// InMemoryStore is a thread-safe in-memory Store
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]map[string]Token // provider -> identity -> Token
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory token store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tokens: make(map[string]map[string]Token),
	}
}

// Get retrieves the token for key
func (s *InMemoryStore) Get(_ context.Context, key Key) (Token, error) {
	if err := validateKey(key); err != nil {
		return Token{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[key.Provider][key.Identity]
	if !ok {
		return Token{}, autherr.ErrTokenNotFound
	}

	// Return a copy so callers cannot modify the stored Raw map
	return tok.Clone(), nil
}

// Put creates or replaces the token for key
func (s *InMemoryStore) Put(_ context.Context, key Key, tok Token) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[key.Provider]; !ok {
		s.tokens[key.Provider] = make(map[string]Token)
	}
	s.tokens[key.Provider][key.Identity] = tok.Clone()
	return nil
}

// Delete removes the token for key
func (s *InMemoryStore) Delete(_ context.Context, key Key) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	identities, ok := s.tokens[key.Provider]
	if !ok {
		return nil // Already doesn't exist, no error
	}
	delete(identities, key.Identity)

	// Clean up empty provider map
	if len(identities) == 0 {
		delete(s.tokens, key.Provider)
	}
	return nil
}

func validateKey(key Key) error {
	if key.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if key.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	return nil
}
