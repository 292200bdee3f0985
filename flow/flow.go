// Package flow drives the OAuth2 authorization-code dance for one provider.
//
// A login moves through Start → RedirectIssued → CallbackReceived and ends
// in TokenObtained or Failed. BeginLogin issues the redirect and records the
// state nonce; HandleCallback checks and consumes that nonce, exchanges the
// code and stores the token. A failed callback always sends the user back to
// Start: the nonce is gone and the code cannot be reused.
package flow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-oauth-dance/autherr"
	"github.com/jrsteele09/go-oauth-dance/flowstate"
	"github.com/jrsteele09/go-oauth-dance/internal/tokenendpoint"
	"github.com/jrsteele09/go-oauth-dance/provider"
	"github.com/jrsteele09/go-oauth-dance/token"
)

const (
	// DefaultStateTTL is how long a user has to come back from the provider.
	DefaultStateTTL = 10 * time.Minute

	stateLength = 32
)

// Flow runs logins for a single provider.
type Flow struct {
	cfg        provider.Config
	store      token.Store
	states     flowstate.Repo
	endpoint   *tokenendpoint.Endpoint
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	logger     zerolog.Logger
	stateTTL   time.Duration
	now        func() time.Time
}

// Option configures a Flow.
type Option func(*Flow)

// WithHTTPClient sets the client used for token, revocation and key requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) {
		f.httpClient = c
	}
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Flow) {
		f.logger = l
	}
}

// WithStateTTL sets how long a pending login stays valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(f *Flow) {
		f.stateTTL = ttl
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

// New creates a Flow writing tokens to store and pending logins to states.
func New(cfg provider.Config, store token.Store, states flowstate.Repo, opts ...Option) (*Flow, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if states == nil {
		return nil, errors.New("state repo is required")
	}

	f := &Flow{
		cfg:        cfg,
		store:      store,
		states:     states,
		httpClient: http.DefaultClient,
		logger:     log.Logger,
		stateTTL:   DefaultStateTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.stateTTL <= 0 {
		return nil, autherr.NewConfigError("state_ttl", "must be positive")
	}
	f.logger = f.logger.With().Str("provider", cfg.Name()).Logger()
	f.endpoint = tokenendpoint.New(cfg, f.httpClient, f.now)

	if cfg.VerifiesIDTokens() {
		keyCtx := oidc.ClientContext(context.Background(), f.httpClient)
		keySet := oidc.NewRemoteKeySet(keyCtx, cfg.JWKSURL())
		f.verifier = oidc.NewVerifier(cfg.Issuer(), keySet, &oidc.Config{
			ClientID: cfg.ClientID(),
			Now:      f.now,
		})
	}
	return f, nil
}

// Config returns the provider this flow logs in to.
func (f *Flow) Config() provider.Config {
	return f.cfg
}

// LoginRedirect is where to send the browser to start a login.
type LoginRedirect struct {
	URL       string
	State     string
	AttemptID string
	ExpiresAt time.Time
}

type loginOptions struct {
	redirectURI string
}

// LoginOption customises a single BeginLogin call.
type LoginOption func(*loginOptions)

// WithRedirectURI sets the redirect_uri for this login, overriding the
// provider's configured callback URL.
func WithRedirectURI(uri string) LoginOption {
	return func(o *loginOptions) {
		o.redirectURI = uri
	}
}

// BeginLogin creates a fresh state nonce for identity, remembers it until
// the state TTL passes, and returns the authorization URL. Starting a new
// login abandons any earlier one for the same identity. No network I/O.
func (f *Flow) BeginLogin(ctx context.Context, identity string, opts ...LoginOption) (*LoginRedirect, error) {
	o := loginOptions{redirectURI: f.cfg.CallbackURL()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.redirectURI == "" {
		return nil, autherr.NewConfigError("callback_url", "is not configured and no redirect URI was given")
	}
	if identity == "" {
		return nil, errors.New("identity is required")
	}

	state, err := generateState()
	if err != nil {
		return nil, err
	}

	now := f.now()
	login := flowstate.PendingLogin{
		State:       state,
		AttemptID:   uuid.New().String(),
		RedirectURI: o.redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(f.stateTTL),
	}
	if err := f.states.Upsert(f.cfg.Name(), identity, login); err != nil {
		return nil, autherr.Wrapf(err, "failed to store login state")
	}

	f.logger.Debug().
		Str("identity", identity).
		Str("attempt_id", login.AttemptID).
		Msg("login redirect issued")

	return &LoginRedirect{
		URL:       f.endpoint.AuthCodeURL(state, o.redirectURI),
		State:     state,
		AttemptID: login.AttemptID,
		ExpiresAt: login.ExpiresAt,
	}, nil
}

// HandleCallback completes the login started by BeginLogin for identity.
// params are the query parameters the provider redirected back with.
//
// The pending login is consumed before anything else is checked, so any
// failure here, including a CSRF rejection, means the user has to start
// again.
func (f *Flow) HandleCallback(ctx context.Context, identity string, params url.Values) (token.Token, error) {
	logger := f.logger.With().Str("identity", identity).Logger()

	login, err := f.states.Consume(f.cfg.Name(), identity)
	if errors.Is(err, autherr.ErrStateNotFound) {
		logger.Warn().Msg("callback without a pending login")
		return token.Token{}, fmt.Errorf("no login in progress: %w", autherr.ErrCSRF)
	}
	if err != nil {
		return token.Token{}, autherr.Wrapf(err, "failed to load login state")
	}
	logger = logger.With().Str("attempt_id", login.AttemptID).Logger()

	state := params.Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(login.State)) != 1 {
		logger.Warn().Msg("callback state does not match")
		return token.Token{}, autherr.ErrCSRF
	}
	if login.Expired(f.now()) {
		logger.Warn().Time("expired_at", login.ExpiresAt).Msg("callback after state expiry")
		return token.Token{}, autherr.ErrExpiredState
	}

	if code := params.Get("error"); code != "" {
		authErr := &autherr.AuthorizationError{
			Code:        code,
			Description: params.Get("error_description"),
			URI:         params.Get("error_uri"),
		}
		if authErr.Description == "" {
			authErr.Description = code
		}
		logger.Info().Str("error", code).Str("error_description", authErr.Description).Msg("provider returned an error")
		return token.Token{}, authErr
	}

	code := params.Get("code")
	if code == "" {
		return token.Token{}, &autherr.AuthorizationError{
			Code:        "invalid_request",
			Description: "authorization response has no code",
		}
	}

	tok, err := f.endpoint.Exchange(ctx, code, login.RedirectURI)
	if err != nil {
		var exErr *autherr.TokenExchangeError
		if errors.As(err, &exErr) {
			logger.Error().Err(exErr.Err).Int("status", exErr.Status).Msg("code exchange failed")
		}
		return token.Token{}, err
	}

	if err := f.verifyIDToken(ctx, tok); err != nil {
		logger.Error().Err(err).Msg("id token rejected")
		return token.Token{}, err
	}

	key := token.Key{Provider: f.cfg.Name(), Identity: identity}
	if err := f.store.Put(ctx, key, tok); err != nil {
		return token.Token{}, autherr.Wrapf(err, "failed to store token for %s", identity)
	}

	logger.Info().Msg("login complete")
	return tok, nil
}

// Logout forgets the identity's token. When the provider has a revocation
// endpoint the refresh and access tokens are revoked first; revocation
// failures are logged but do not stop the local logout.
func (f *Flow) Logout(ctx context.Context, identity string) error {
	key := token.Key{Provider: f.cfg.Name(), Identity: identity}
	tok, err := f.store.Get(ctx, key)
	if errors.Is(err, autherr.ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	if f.cfg.RevocationURL() != "" {
		if tok.RefreshToken != "" {
			if err := f.endpoint.Revoke(ctx, tok.RefreshToken, provider.RefreshTokenHint); err != nil {
				f.logger.Err(err).Str("token_type", string(provider.RefreshTokenHint)).Msg("Failed to revoke token")
			}
		}
		if tok.AccessToken != "" {
			if err := f.endpoint.Revoke(ctx, tok.AccessToken, provider.AccessTokenHint); err != nil {
				f.logger.Err(err).Str("token_type", string(provider.AccessTokenHint)).Msg("Failed to revoke token")
			}
		}
	}

	if err := f.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (f *Flow) verifyIDToken(ctx context.Context, tok token.Token) error {
	if f.verifier == nil {
		return nil
	}
	raw := tok.IDToken()
	if raw == "" {
		return nil
	}
	if _, err := f.verifier.Verify(oidc.ClientContext(ctx, f.httpClient), raw); err != nil {
		return fmt.Errorf("%w: %v", autherr.ErrInvalidIDToken, err)
	}
	return nil
}

// generateState creates a random base64url string
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
