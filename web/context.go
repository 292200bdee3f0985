package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-oauth-dance/authsession"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// lazySession resolves the request's session the first time it is asked for.
type lazySession struct {
	once    sync.Once
	resolve func() (*authsession.Client, error)
	client  *authsession.Client
	err     error
}

func (l *lazySession) get() (*authsession.Client, error) {
	l.once.Do(func() {
		l.client, l.err = l.resolve()
	})
	return l.client, l.err
}

func sessionKey(provider string) ContextKey {
	return ContextKey("oauth_session:" + provider)
}

// Middleware makes the provider session available to downstream handlers
// through SessionFromContext. Nothing is looked up until a handler asks.
func (b *Blueprint) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lazy := &lazySession{
			resolve: func() (*authsession.Client, error) {
				id, err := b.identity(r)
				if err != nil {
					return nil, err
				}
				return b.manager.Client(id), nil
			},
		}
		ctx := context.WithValue(r.Context(), sessionKey(b.flow.Config().Name()), lazy)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFromContext returns the session for provider on the current request.
// The Blueprint's Middleware must have run.
func SessionFromContext(ctx context.Context, provider string) (*authsession.Client, error) {
	lazy, ok := ctx.Value(sessionKey(provider)).(*lazySession)
	if !ok {
		return nil, fmt.Errorf("no %s session in context", provider)
	}
	return lazy.get()
}
