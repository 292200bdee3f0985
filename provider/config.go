// Package provider describes a single OAuth2 identity provider: its endpoints,
// client credentials and requested scopes.
//
// A Config is plain data. It is validated once by New and cannot be changed
// afterwards; the flow and session packages only read from it.
package provider

import (
	"net/url"
	"slices"
	"strings"

	"github.com/jrsteele09/go-oauth-dance/autherr"
)

// Options is the input to New. Zero values mean "not set".
type Options struct {
	// Name identifies the provider in token keys and logs, e.g. "keycloak".
	Name string

	BaseURL          string
	AuthorizationURL string
	TokenURL         string
	// RevocationURL is the RFC 7009 endpoint used on logout. Optional.
	RevocationURL string

	ClientID     string
	ClientSecret string
	// ClientSecretOptional allows public clients without a secret.
	ClientSecretOptional bool

	Scopes []string

	// CallbackURL is the redirect_uri registered with the provider. When
	// empty the host must supply one per login.
	CallbackURL string

	// RedirectURL and RedirectTo name where the browser goes once the
	// dance is complete. At most one may be set.
	RedirectURL string
	RedirectTo  string

	// LoginPath and AuthorizedPath are the host routes for the login
	// redirect and the provider callback.
	LoginPath      string
	AuthorizedPath string

	// Issuer and JWKSURL enable ID token verification. Both or neither.
	Issuer  string
	JWKSURL string
}

// Config is a validated, immutable provider description.
type Config struct {
	name             string
	baseURL          string
	authorizationURL string
	tokenURL         string
	revocationURL    string
	clientID         string
	clientSecret     string
	scopes           []string
	callbackURL      string
	redirectURL      string
	redirectTo       string
	loginPath        string
	authorizedPath   string
	issuer           string
	jwksURL          string
}

// New validates opts and returns the provider configuration.
// Every failure is an *autherr.ConfigError.
func New(opts Options) (Config, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return Config{}, autherr.NewConfigError("name", "is required")
	}
	for _, u := range []struct {
		field    string
		value    string
		required bool
	}{
		{"base_url", opts.BaseURL, true},
		{"authorization_url", opts.AuthorizationURL, true},
		{"token_url", opts.TokenURL, true},
		{"revocation_url", opts.RevocationURL, false},
		{"callback_url", opts.CallbackURL, false},
		{"jwks_url", opts.JWKSURL, false},
	} {
		if u.value == "" && !u.required {
			continue
		}
		if err := validateAbsoluteURL(u.field, u.value); err != nil {
			return Config{}, err
		}
	}
	if opts.ClientID == "" {
		return Config{}, autherr.NewConfigError("client_id", "is required")
	}
	if opts.ClientSecret == "" && !opts.ClientSecretOptional {
		return Config{}, autherr.NewConfigError("client_secret", "is required")
	}
	if opts.RedirectURL != "" && opts.RedirectTo != "" {
		return Config{}, autherr.NewConfigError("redirect_url", "cannot be combined with redirect_to")
	}
	if (opts.Issuer == "") != (opts.JWKSURL == "") {
		return Config{}, autherr.NewConfigError("issuer", "and jwks_url must be set together")
	}

	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = "/" + opts.Name
	}
	authorizedPath := opts.AuthorizedPath
	if authorizedPath == "" {
		authorizedPath = strings.TrimSuffix(loginPath, "/") + "/authorized"
	}

	return Config{
		name:             opts.Name,
		baseURL:          opts.BaseURL,
		authorizationURL: opts.AuthorizationURL,
		tokenURL:         opts.TokenURL,
		revocationURL:    opts.RevocationURL,
		clientID:         opts.ClientID,
		clientSecret:     opts.ClientSecret,
		scopes:           normaliseScopes(opts.Scopes),
		callbackURL:      opts.CallbackURL,
		redirectURL:      opts.RedirectURL,
		redirectTo:       opts.RedirectTo,
		loginPath:        loginPath,
		authorizedPath:   authorizedPath,
		issuer:           opts.Issuer,
		jwksURL:          opts.JWKSURL,
	}, nil
}

func (c Config) Name() string             { return c.name }
func (c Config) BaseURL() string          { return c.baseURL }
func (c Config) AuthorizationURL() string { return c.authorizationURL }
func (c Config) TokenURL() string         { return c.tokenURL }
func (c Config) RevocationURL() string    { return c.revocationURL }
func (c Config) ClientID() string         { return c.clientID }
func (c Config) ClientSecret() string     { return c.clientSecret }
func (c Config) CallbackURL() string      { return c.callbackURL }
func (c Config) RedirectURL() string      { return c.redirectURL }
func (c Config) RedirectTo() string       { return c.redirectTo }
func (c Config) LoginPath() string        { return c.loginPath }
func (c Config) AuthorizedPath() string   { return c.authorizedPath }
func (c Config) Issuer() string           { return c.issuer }
func (c Config) JWKSURL() string          { return c.jwksURL }

// Scopes returns a copy of the requested scopes in request order.
func (c Config) Scopes() []string {
	return slices.Clone(c.scopes)
}

// VerifiesIDTokens reports whether ID tokens should be checked against the
// provider's signing keys.
func (c Config) VerifiesIDTokens() bool {
	return c.issuer != "" && c.jwksURL != ""
}

// ParseScopes splits a comma or space separated scope string.
func ParseScopes(s string) []string {
	return normaliseScopes(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	}))
}

// normaliseScopes trims, drops empties and de-duplicates, keeping the first
// occurrence of each scope.
func normaliseScopes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func validateAbsoluteURL(field, raw string) error {
	if raw == "" {
		return autherr.NewConfigError(field, "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return autherr.NewConfigError(field, "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return autherr.NewConfigError(field, "must be an absolute http(s) URL")
	}
	if u.Host == "" {
		return autherr.NewConfigError(field, "must include a host")
	}
	return nil
}
