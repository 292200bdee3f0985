// Package flowstate stores the state nonce of logins that have been
// redirected to the provider but have not come back yet.
package flowstate

import "time"

// PendingLogin correlates the login redirect with its callback.
type PendingLogin struct {
	State       string
	AttemptID   string
	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the pending login can no longer be completed.
func (p PendingLogin) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Repo holds at most one pending login per provider and identity. A new
// login replaces the previous one.
type Repo interface {
	Upsert(provider, identity string, login PendingLogin) error
	// Consume returns the pending login and removes it in one step, so a
	// state value can be used at most once. It returns
	// autherr.ErrStateNotFound when nothing is pending.
	Consume(provider, identity string) (PendingLogin, error)
}
