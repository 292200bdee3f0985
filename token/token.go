package token

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an OAuth2 token as returned by a provider's token endpoint.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	// Expiry is when the access token stops being valid. The zero value
	// means the provider did not report a lifetime and the token never
	// expires.
	Expiry time.Time `json:"expiry,omitempty"`
	// Raw holds every field of the token response, including
	// provider-specific extras such as id_token or session_state.
	Raw map[string]any `json:"raw,omitempty"`
}

// Key identifies a stored token: one record per provider and identity.
type Key struct {
	Provider string
	Identity string
}

func (k Key) String() string {
	return k.Provider + "/" + k.Identity
}

// Expired reports whether the token expires at or before now+margin.
// Tokens without an expiry never expire.
func (t Token) Expired(now time.Time, margin time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !t.Expiry.After(now.Add(margin))
}

// Type returns the value for the Authorization header scheme. Providers
// often answer "bearer"; it is normalised to "Bearer" and is the default.
func (t Token) Type() string {
	switch {
	case t.TokenType == "", strings.EqualFold(t.TokenType, "bearer"):
		return "Bearer"
	case strings.EqualFold(t.TokenType, "mac"):
		return "MAC"
	case strings.EqualFold(t.TokenType, "basic"):
		return "Basic"
	}
	return t.TokenType
}

// Extra returns a provider-specific field of the token response.
func (t Token) Extra(key string) any {
	if t.Raw == nil {
		return nil
	}
	return t.Raw[key]
}

// IDToken returns the raw id_token, if the provider sent one.
func (t Token) IDToken() string {
	s, _ := t.Extra("id_token").(string)
	return s
}

// IDTokenClaims decodes the claims of the id_token WITHOUT verifying its
// signature. Use it for display and logging only; flow verifies the token
// when the provider has a JWKS URL configured.
func (t Token) IDTokenClaims() (jwt.MapClaims, error) {
	raw := t.IDToken()
	if raw == "" {
		return nil, fmt.Errorf("token has no id_token")
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected id_token claims type %T", parsed.Claims)
	}
	return claims, nil
}

// Clone returns a copy that shares nothing mutable with t.
func (t Token) Clone() Token {
	c := t
	if t.Raw != nil {
		c.Raw = maps.Clone(t.Raw)
	}
	return c
}
