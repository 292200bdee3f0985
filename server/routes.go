package server

import (
	"fmt"

	"gitea.com/go-chi/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Route path constants
const (
	RouteIndex   = "/"
	RouteProfile = "/profile"
	RouteLogout  = "/logout"
	RouteHealth  = "/health"
)

// routeNames maps the names usable as a provider's RedirectTo to paths.
var routeNames = map[string]string{
	"index":   RouteIndex,
	"profile": RouteProfile,
}

func resolveRoute(name string) (string, error) {
	path, ok := routeNames[name]
	if !ok {
		return "", fmt.Errorf("unknown route %q", name)
	}
	return path, nil
}

func (s *Server) initRoutes() error {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.env == "DEV" {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	r.Use(FrameSecurityMiddleware)

	sessionHandler, err := session.Sessioner(session.Options{
		Provider:    "memory",
		CookieName:  "oauth_dance_session",
		Secure:      s.config.SecureCookies,
		Gclifetime:  int64(s.config.SessionMaxAge.Seconds()),
		Maxlifetime: int64(s.config.SessionMaxAge.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	r.Use(sessionHandler)
	r.Use(s.blueprint.Middleware)

	r.Get(RouteHealth, s.HealthHandler())
	r.Get(RouteIndex, s.IndexHandler())
	r.With(s.blueprint.RequireAuthorized).Get(RouteProfile, s.ProfileHandler())
	s.blueprint.Mount(r)

	s.router = r
	return nil
}
