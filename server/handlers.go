package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-oauth-dance/autherr"
	"github.com/jrsteele09/go-oauth-dance/web"
)

// IndexHandler renders the home page
func (s *Server) IndexHandler() http.HandlerFunc {
	tmpl, err := ParseTemplate("index.html")
	if err != nil {
		panic("Failed to parse index template: " + err.Error())
	}

	return func(w http.ResponseWriter, r *http.Request) {
		authorized := false
		if client, err := web.SessionFromContext(r.Context(), s.providerID); err == nil {
			authorized = client.Authorized(r.Context())
		}

		data := map[string]interface{}{
			"AppName":     s.config.AppName,
			"Provider":    s.providerID,
			"Authorized":  authorized,
			"LoginPath":   s.manager.Config().LoginPath(),
			"ProfilePath": RouteProfile,
			"LogoutPath":  RouteLogout,
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.Execute(w, data)
	}
}

// ProfileHandler shows the user's claims as returned by the provider's
// userinfo endpoint, falling back to the ID token.
func (s *Server) ProfileHandler() http.HandlerFunc {
	tmpl, err := ParseTemplate("profile.html")
	if err != nil {
		panic("Failed to parse profile template: " + err.Error())
	}

	return func(w http.ResponseWriter, r *http.Request) {
		client, err := web.SessionFromContext(r.Context(), s.providerID)
		if err != nil {
			http.Error(w, "Session required", http.StatusInternalServerError)
			return
		}

		tok, err := client.Token(r.Context())
		if err != nil {
			s.handleSessionError(w, r, err)
			return
		}

		claims := map[string]interface{}{}
		if s.userInfoURL != "" {
			claims, err = s.fetchUserInfo(r.Context(), client.Get)
			if err != nil {
				s.handleSessionError(w, r, err)
				return
			}
		} else if idClaims, err := tok.IDTokenClaims(); err == nil {
			claims = idClaims
		}

		data := map[string]interface{}{
			"AppName":    s.config.AppName,
			"Claims":     claims,
			"Expiry":     tok.Expiry,
			"IndexPath":  RouteIndex,
			"LogoutPath": RouteLogout,
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.Execute(w, data)
	}
}

// HealthHandler reports that the server is up
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"provider": s.providerID,
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) fetchUserInfo(ctx context.Context, get func(context.Context, string) (*http.Response, error)) (map[string]interface{}, error) {
	resp, err := get(ctx, s.userInfoURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, autherr.ErrReauthenticationRequired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	claims := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return claims, nil
}

// handleSessionError sends users whose session is gone back to the login
// page and reports everything else.
func (s *Server) handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, autherr.ErrNotAuthenticated) || errors.Is(err, autherr.ErrReauthenticationRequired) {
		http.Redirect(w, r, s.manager.Config().LoginPath(), http.StatusFound)
		return
	}
	s.logger.Err(err).Str("path", r.URL.Path).Msg("Failed to load profile")
	http.Error(w, http.StatusText(web.StatusFor(err)), web.StatusFor(err))
}
