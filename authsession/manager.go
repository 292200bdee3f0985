// Package authsession keeps a user's access token valid while they make API
// calls against a provider.
//
// The token store is the single source of truth. A Manager reads the token
// on every request, refreshes it when it is about to expire and writes the
// result back. Concurrent callers for the same identity share one refresh.
package authsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jrsteele09/go-oauth-dance/autherr"
	"github.com/jrsteele09/go-oauth-dance/internal/tokenendpoint"
	"github.com/jrsteele09/go-oauth-dance/provider"
	"github.com/jrsteele09/go-oauth-dance/token"
)

// DefaultExpiryMargin is how long before expiry a token is refreshed.
const DefaultExpiryMargin = 60 * time.Second

// Manager hands out valid tokens for one provider.
type Manager struct {
	cfg        provider.Config
	store      token.Store
	endpoint   *tokenendpoint.Endpoint
	httpClient *http.Client
	logger     zerolog.Logger
	margin     time.Duration
	now        func() time.Time
	refreshes  singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for refresh and API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithExpiryMargin sets how early a token is refreshed.
func WithExpiryMargin(d time.Duration) Option {
	return func(m *Manager) {
		m.margin = d
	}
}

// NewManager creates a Manager reading and writing tokens in store.
func NewManager(cfg provider.Config, store token.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		store:      store,
		httpClient: http.DefaultClient,
		logger:     log.Logger,
		margin:     DefaultExpiryMargin,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.margin < 0 {
		m.margin = 0
	}
	m.logger = m.logger.With().Str("provider", cfg.Name()).Logger()
	m.endpoint = tokenendpoint.New(cfg, m.httpClient, m.now)
	return m
}

// Config returns the provider this manager refreshes against.
func (m *Manager) Config() provider.Config {
	return m.cfg
}

// Token returns a token for identity that is valid for at least the expiry
// margin, refreshing it first if needed.
//
// It fails with autherr.ErrNotAuthenticated when no token is stored and with
// autherr.ErrReauthenticationRequired when the token cannot be refreshed; in
// the latter case the stored record has been removed.
func (m *Manager) Token(ctx context.Context, identity string) (token.Token, error) {
	key := token.Key{Provider: m.cfg.Name(), Identity: identity}

	tok, err := m.load(ctx, key)
	if err != nil {
		return token.Token{}, err
	}
	if !tok.Expired(m.now(), m.margin) {
		return tok, nil
	}

	// Callers that saw the same stale token wait on one refresh. The flight
	// outlives any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := m.refreshes.Do(key.String(), func() (any, error) {
		return m.refresh(flightCtx, key)
	})
	if err != nil {
		return token.Token{}, err
	}
	fresh := v.(token.Token)
	if shared {
		fresh = fresh.Clone()
	}
	return fresh, nil
}

// Authorized reports whether identity has a stored access token. It does not
// refresh or contact the provider.
func (m *Manager) Authorized(ctx context.Context, identity string) bool {
	tok, err := m.load(ctx, token.Key{Provider: m.cfg.Name(), Identity: identity})
	return err == nil && tok.AccessToken != ""
}

func (m *Manager) load(ctx context.Context, key token.Key) (token.Token, error) {
	tok, err := m.store.Get(ctx, key)
	if errors.Is(err, autherr.ErrTokenNotFound) {
		return token.Token{}, autherr.ErrNotAuthenticated
	}
	if err != nil {
		return token.Token{}, fmt.Errorf("failed to load token: %w", err)
	}
	return tok, nil
}

func (m *Manager) refresh(ctx context.Context, key token.Key) (token.Token, error) {
	logger := m.logger.With().Str("identity", key.Identity).Logger()

	// Another flight may have refreshed or dropped the token since the
	// caller read it.
	current, err := m.load(ctx, key)
	if err != nil {
		return token.Token{}, err
	}
	if !current.Expired(m.now(), m.margin) {
		return current, nil
	}

	if current.RefreshToken == "" {
		logger.Info().Msg("token expired and cannot be refreshed")
		if err := m.store.Delete(ctx, key); err != nil {
			return token.Token{}, fmt.Errorf("failed to delete expired token: %w", err)
		}
		return token.Token{}, autherr.ErrReauthenticationRequired
	}

	fresh, err := m.endpoint.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if tokenendpoint.IsRejection(err) {
			logger.Warn().Err(err).Msg("refresh token rejected")
			if delErr := m.store.Delete(ctx, key); delErr != nil {
				logger.Err(delErr).Msg("Failed to delete stale token")
			}
			return token.Token{}, fmt.Errorf("%w: %v", autherr.ErrReauthenticationRequired, err)
		}
		logger.Error().Err(err).Msg("refresh failed")
		return token.Token{}, err
	}

	if err := m.store.Put(ctx, key, fresh); err != nil {
		return token.Token{}, autherr.Wrapf(err, "failed to store refreshed token")
	}
	logger.Debug().Time("expiry", fresh.Expiry).Msg("token refreshed")
	return fresh, nil
}
