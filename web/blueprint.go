// Package web mounts an OAuth2 login on a chi router.
//
// A Blueprint serves three routes for one provider: the login redirect, the
// callback the provider sends the browser back to, and an optional logout.
// Which browser a request belongs to is decided by an IdentityFunc; by
// default that is the gitea.com/go-chi/session session ID, so the Sessioner
// middleware must run before the blueprint's handlers.
package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"gitea.com/go-chi/session"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-oauth-dance/autherr"
	"github.com/jrsteele09/go-oauth-dance/authsession"
	"github.com/jrsteele09/go-oauth-dance/flow"
	"github.com/jrsteele09/go-oauth-dance/token"
)

// IdentityFunc names the browser session a request belongs to.
type IdentityFunc func(r *http.Request) (string, error)

// RouteResolver turns a route name into a path. It is used for the
// provider's RedirectTo setting.
type RouteResolver func(name string) (string, error)

// AuthorizedHook runs after a successful login. Returning true means the
// hook has written the response and the default redirect is skipped.
type AuthorizedHook func(w http.ResponseWriter, r *http.Request, tok token.Token) bool

// ErrorHook runs when a callback fails. Returning true means the hook has
// written the response.
type ErrorHook func(w http.ResponseWriter, r *http.Request, err error) bool

// Blueprint holds the login routes for one provider.
type Blueprint struct {
	flow         *flow.Flow
	manager      *authsession.Manager
	identity     IdentityFunc
	resolveRoute RouteResolver
	logoutPath   string
	onAuthorized AuthorizedHook
	onError      ErrorHook
	logger       zerolog.Logger
}

// Option configures a Blueprint.
type Option func(*Blueprint)

// WithIdentityFunc replaces the session-ID identity lookup.
func WithIdentityFunc(fn IdentityFunc) Option {
	return func(b *Blueprint) {
		b.identity = fn
	}
}

// WithRouteResolver sets how RedirectTo names are turned into paths.
func WithRouteResolver(fn RouteResolver) Option {
	return func(b *Blueprint) {
		b.resolveRoute = fn
	}
}

// WithLogoutPath adds a logout route at path.
func WithLogoutPath(path string) Option {
	return func(b *Blueprint) {
		b.logoutPath = path
	}
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Blueprint) {
		b.logger = l
	}
}

// OnAuthorized registers a hook for successful logins.
func OnAuthorized(fn AuthorizedHook) Option {
	return func(b *Blueprint) {
		b.onAuthorized = fn
	}
}

// OnError registers a hook for failed callbacks.
func OnError(fn ErrorHook) Option {
	return func(b *Blueprint) {
		b.onError = fn
	}
}

// NewBlueprint creates the routes for the provider behind fl. manager serves
// the per-request sessions exposed by Middleware.
func NewBlueprint(fl *flow.Flow, manager *authsession.Manager, opts ...Option) *Blueprint {
	b := &Blueprint{
		flow:     fl,
		manager:  manager,
		identity: SessionIdentity,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("provider", fl.Config().Name()).Logger()
	if fl.Config().CallbackURL() == "" {
		b.logger.Warn().Msg("No callback URL configured, redirect_uri is built from the request's Host and X-Forwarded-Proto headers")
	}
	return b
}

var errNoSession = errors.New("request has no session")

// SessionIdentity uses the gitea.com/go-chi/session session ID. The
// Sessioner middleware must run before the blueprint's handlers.
func SessionIdentity(r *http.Request) (string, error) {
	sess := session.GetSession(r)
	if missingSession(sess) || sess.ID() == "" {
		return "", errNoSession
	}
	return sess.ID(), nil
}

// missingSession reports whether sess is nil, including the typed nil
// GetSession returns for a request the Sessioner never saw.
func missingSession(sess session.Store) bool {
	if sess == nil {
		return true
	}
	v := reflect.ValueOf(sess)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Mount registers the login, callback and logout routes on r.
func (b *Blueprint) Mount(r chi.Router) {
	cfg := b.flow.Config()
	r.Get(cfg.LoginPath(), b.Login())
	r.Get(cfg.AuthorizedPath(), b.Authorized())
	if b.logoutPath != "" {
		r.Get(b.logoutPath, b.Logout())
	}
}

// Login redirects the browser to the provider.
func (b *Blueprint) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := b.identity(r)
		if err != nil {
			b.logger.Error().Err(err).Msg("no identity for login")
			http.Error(w, "Session required", http.StatusInternalServerError)
			return
		}

		redirect, err := b.flow.BeginLogin(r.Context(), id, flow.WithRedirectURI(b.callbackURL(r)))
		if err != nil {
			b.writeError(w, r, err)
			return
		}
		http.Redirect(w, r, redirect.URL, http.StatusFound)
	}
}

// Authorized handles the provider's redirect back to the application.
func (b *Blueprint) Authorized() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := b.identity(r)
		if err != nil {
			b.logger.Error().Err(err).Msg("no identity for callback")
			http.Error(w, "Session required", http.StatusInternalServerError)
			return
		}

		tok, err := b.flow.HandleCallback(r.Context(), id, r.URL.Query())
		if err != nil {
			if b.onError != nil && b.onError(w, r, err) {
				return
			}
			b.writeError(w, r, err)
			return
		}

		if b.onAuthorized != nil && b.onAuthorized(w, r, tok) {
			return
		}
		http.Redirect(w, r, b.nextURL(), http.StatusFound)
	}
}

// Logout forgets the user's token and sends them to the post-login page.
func (b *Blueprint) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := b.identity(r)
		if err == nil {
			if err := b.flow.Logout(r.Context(), id); err != nil {
				b.logger.Err(err).Msg("Failed to log out")
				http.Error(w, "Logout failed", http.StatusInternalServerError)
				return
			}
		}
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// RequireAuthorized sends browsers without a stored token to the login route.
func (b *Blueprint) RequireAuthorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := b.identity(r)
		if err != nil || !b.manager.Authorized(r.Context(), id) {
			http.Redirect(w, r, b.flow.Config().LoginPath(), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callbackURL is the configured callback, or the authorized route on the
// host the request came in on.
func (b *Blueprint) callbackURL(r *http.Request) string {
	cfg := b.flow.Config()
	if cfg.CallbackURL() != "" {
		return cfg.CallbackURL()
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: cfg.AuthorizedPath()}
	return u.String()
}

func (b *Blueprint) nextURL() string {
	cfg := b.flow.Config()
	switch {
	case cfg.RedirectURL() != "":
		return cfg.RedirectURL()
	case cfg.RedirectTo() != "" && b.resolveRoute != nil:
		path, err := b.resolveRoute(cfg.RedirectTo())
		if err != nil {
			b.logger.Err(err).Str("route", cfg.RedirectTo()).Msg("Failed to resolve redirect route")
			return "/"
		}
		return path
	case strings.HasPrefix(cfg.RedirectTo(), "/"):
		return cfg.RedirectTo()
	}
	return "/"
}

func (b *Blueprint) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := http.StatusText(status)

	var authErr *autherr.AuthorizationError
	if errors.As(err, &authErr) {
		msg = fmt.Sprintf("Authorization failed: %s", authErr.Description)
	}

	b.logger.Warn().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("login failed")
	http.Error(w, msg, status)
}

// StatusFor maps a login error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, autherr.ErrCSRF), errors.Is(err, autherr.ErrExpiredState):
		return http.StatusForbidden
	case errors.Is(err, autherr.ErrAuthorization), errors.Is(err, autherr.ErrInvalidIDToken),
		errors.Is(err, autherr.ErrNotAuthenticated), errors.Is(err, autherr.ErrReauthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, autherr.ErrTokenExchange):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
