package provider

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/jrsteele09/go-oauth-dance/autherr"
)

// Credentials are the client ID and secret for one provider.
type Credentials struct {
	ClientID     string `env:"OAUTH_CLIENT_ID"`
	ClientSecret string `env:"OAUTH_CLIENT_SECRET"`
}

type credentialOptions struct {
	lookup         map[string]string
	secretOptional bool
}

// CredentialOption customises LoadCredentials.
type CredentialOption func(*credentialOptions)

// WithLookup reads the credentials from an application config map instead
// of the process environment.
func WithLookup(values map[string]string) CredentialOption {
	return func(o *credentialOptions) {
		o.lookup = values
	}
}

// WithOptionalSecret accepts a missing client secret (public clients).
func WithOptionalSecret() CredentialOption {
	return func(o *credentialOptions) {
		o.secretOptional = true
	}
}

// EnvKeys returns the variable names read for prefix, e.g.
// KEYCLOAK_OAUTH_CLIENT_ID and KEYCLOAK_OAUTH_CLIENT_SECRET.
func EnvKeys(prefix string) (clientIDKey, clientSecretKey string) {
	p := envPrefix(prefix)
	return p + "OAUTH_CLIENT_ID", p + "OAUTH_CLIENT_SECRET"
}

// LoadCredentials resolves <PREFIX>_OAUTH_CLIENT_ID and
// <PREFIX>_OAUTH_CLIENT_SECRET. This is the only place configuration is
// looked up by name; everything downstream uses the typed Config.
func LoadCredentials(prefix string, opts ...CredentialOption) (Credentials, error) {
	return completeCredentials(prefix, Credentials{}, opts...)
}

// completeCredentials fills whichever of explicit's fields are empty from
// the environment and fails if a required one is still missing.
func completeCredentials(prefix string, explicit Credentials, opts ...CredentialOption) (Credentials, error) {
	o := credentialOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	creds := explicit
	if creds.ClientID == "" || creds.ClientSecret == "" {
		var found Credentials
		if err := env.ParseWithOptions(&found, env.Options{
			Prefix:      envPrefix(prefix),
			Environment: o.lookup,
		}); err != nil {
			return Credentials{}, &autherr.ConfigError{Reason: fmt.Sprintf("parse credentials: %v", err)}
		}
		if creds.ClientID == "" {
			creds.ClientID = found.ClientID
		}
		if creds.ClientSecret == "" {
			creds.ClientSecret = found.ClientSecret
		}
	}

	idKey, secretKey := EnvKeys(prefix)
	if creds.ClientID == "" {
		return Credentials{}, autherr.NewConfigError(idKey, "is not set")
	}
	if creds.ClientSecret == "" && !o.secretOptional {
		return Credentials{}, autherr.NewConfigError(secretKey, "is not set")
	}
	return creds, nil
}

func envPrefix(prefix string) string {
	p := strings.ToUpper(strings.TrimSuffix(prefix, "_"))
	if p == "" {
		return ""
	}
	return p + "_"
}
