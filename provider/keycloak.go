package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// KeycloakName is the provider name used for token keys, routes and the
// KEYCLOAK_OAUTH_* configuration variables.
const KeycloakName = "keycloak"

// KeycloakOptions configures a Keycloak client. ClientID and ClientSecret
// may each be left empty, in which case the missing one is read from
// KEYCLOAK_OAUTH_CLIENT_ID or KEYCLOAK_OAUTH_CLIENT_SECRET.
type KeycloakOptions struct {
	BaseURL          string
	AuthorizationURL string
	TokenURL         string
	RevocationURL    string

	ClientID     string
	ClientSecret string
	Scopes       []string

	// ClientSecretOptional allows public clients without a secret.
	ClientSecretOptional bool

	CallbackURL    string
	RedirectURL    string
	RedirectTo     string
	LoginPath      string
	AuthorizedPath string

	Issuer  string
	JWKSURL string

	// Lookup replaces the process environment for credential lookup.
	Lookup map[string]string
}

// Keycloak returns a Config for a Keycloak realm. Login is served on
// /keycloak and the callback on /keycloak/authorized unless overridden.
func Keycloak(opts KeycloakOptions) (Config, error) {
	var credOpts []CredentialOption
	if opts.Lookup != nil {
		credOpts = append(credOpts, WithLookup(opts.Lookup))
	}
	if opts.ClientSecretOptional {
		credOpts = append(credOpts, WithOptionalSecret())
	}
	creds, err := completeCredentials(KeycloakName, Credentials{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
	}, credOpts...)
	if err != nil {
		return Config{}, err
	}

	return New(Options{
		Name:                 KeycloakName,
		BaseURL:              opts.BaseURL,
		AuthorizationURL:     opts.AuthorizationURL,
		TokenURL:             opts.TokenURL,
		RevocationURL:        opts.RevocationURL,
		ClientID:             creds.ClientID,
		ClientSecret:         creds.ClientSecret,
		ClientSecretOptional: opts.ClientSecretOptional,
		Scopes:               opts.Scopes,
		CallbackURL:          opts.CallbackURL,
		RedirectURL:          opts.RedirectURL,
		RedirectTo:           opts.RedirectTo,
		LoginPath:            opts.LoginPath,
		AuthorizedPath:       opts.AuthorizedPath,
		Issuer:               opts.Issuer,
		JWKSURL:              opts.JWKSURL,
	})
}

// KeycloakEndpoints are the static OpenID Connect endpoints of one realm.
type KeycloakEndpoints struct {
	Issuer           string
	AuthorizationURL string
	TokenURL         string
	RevocationURL    string
	JWKSURL          string
	UserInfoURL      string
}

// KeycloakRealmEndpoints derives a realm's endpoints from the server URL,
// e.g. https://sso.example.com and "master". No network calls are made.
func KeycloakRealmEndpoints(serverURL, realm string) (KeycloakEndpoints, error) {
	if realm == "" {
		return KeycloakEndpoints{}, fmt.Errorf("keycloak realm is required")
	}
	if err := validateAbsoluteURL("server_url", serverURL); err != nil {
		return KeycloakEndpoints{}, err
	}
	issuer := strings.TrimSuffix(serverURL, "/") + "/realms/" + url.PathEscape(realm)
	oidc := issuer + "/protocol/openid-connect"
	return KeycloakEndpoints{
		Issuer:           issuer,
		AuthorizationURL: oidc + "/auth",
		TokenURL:         oidc + "/token",
		RevocationURL:    oidc + "/revoke",
		JWKSURL:          oidc + "/certs",
		UserInfoURL:      oidc + "/userinfo",
	}, nil
}
