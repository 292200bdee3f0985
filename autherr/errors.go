// Package autherr defines the errors returned by the OAuth dance packages.
//
// Sentinels are matched with errors.Is. The typed errors (ConfigError,
// AuthorizationError, TokenExchangeError) carry detail and also match their
// corresponding sentinel, so callers can branch on the category and still
// pull out the provider's message with errors.As.
package autherr

import (
	"errors"
	"fmt"
)

var (
	// Configuration
	ErrConfig = errors.New("oauth configuration error")

	// Callback security checks
	ErrCSRF         = errors.New("state mismatch, possible CSRF")
	ErrExpiredState = errors.New("authorization state expired")

	// Provider responses
	ErrAuthorization    = errors.New("authorization denied by provider")
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrInvalidIDToken   = errors.New("invalid id token")
	ErrNotAuthenticated = errors.New("not authenticated")

	ErrReauthenticationRequired = errors.New("reauthentication required")

	// Storage
	ErrTokenNotFound = errors.New("token not found")
	ErrStateNotFound = errors.New("authorization state not found")
)

// ConfigError reports missing or malformed static configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfig, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// NewConfigError returns a *ConfigError for field.
func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// AuthorizationError is returned when the provider redirects back with an
// error parameter instead of an authorization code.
type AuthorizationError struct {
	Code        string
	Description string
	URI         string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" && e.Description != e.Code {
		return fmt.Sprintf("%s: %s (%s)", ErrAuthorization, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", ErrAuthorization, e.Code)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorization
}

// TokenExchangeError is returned when a call to the token endpoint fails.
// Status is zero when no HTTP response was received.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	msg := ErrTokenExchange.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchange
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
