package flowstate

import (
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-oauth-dance/autherr"
)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu     sync.Mutex
	logins map[string]map[string]PendingLogin // provider -> identity -> PendingLogin
}

var _ Repo = (*InMemoryRepo)(nil)

// NewInMemoryRepo creates a new in-memory pending login repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		logins: make(map[string]map[string]PendingLogin),
	}
}

// Upsert stores or replaces the pending login for an identity
func (r *InMemoryRepo) Upsert(provider, identity string, login PendingLogin) error {
	if err := validate(provider, identity); err != nil {
		return err
	}
	if login.State == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.logins[provider]; !ok {
		r.logins[provider] = make(map[string]PendingLogin)
	}
	r.logins[provider][identity] = login
	return nil
}

// Consume retrieves and deletes the pending login for an identity
func (r *InMemoryRepo) Consume(provider, identity string) (PendingLogin, error) {
	if err := validate(provider, identity); err != nil {
		return PendingLogin{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	identities, ok := r.logins[provider]
	if !ok {
		return PendingLogin{}, autherr.ErrStateNotFound
	}
	login, ok := identities[identity]
	if !ok {
		return PendingLogin{}, autherr.ErrStateNotFound
	}

	delete(identities, identity)
	if len(identities) == 0 {
		delete(r.logins, provider)
	}
	return login, nil
}

// Cleanup drops pending logins that expired before now and returns how many
// were removed.
func (r *InMemoryRepo) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for provider, identities := range r.logins {
		for identity, login := range identities {
			if login.Expired(now) {
				delete(identities, identity)
				removed++
			}
		}
		if len(identities) == 0 {
			delete(r.logins, provider)
		}
	}
	return removed
}

func validate(provider, identity string) error {
	if provider == "" {
		return errors.New("provider cannot be empty")
	}
	if identity == "" {
		return errors.New("identity cannot be empty")
	}
	return nil
}
